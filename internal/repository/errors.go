package repository

import "errors"

// ErrNotFound は更新対象の行が存在しないことを示す。
var ErrNotFound = errors.New("record not found")
