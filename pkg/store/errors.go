package store

import "errors"

// ErrNotFound is returned by repository Get methods when no row matches,
// translated from pgx.ErrNoRows at the repository boundary exactly where
// the teacher's services translate ent.IsNotFound.
var ErrNotFound = errors.New("store: not found")
