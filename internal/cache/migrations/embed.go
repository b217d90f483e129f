package migrations

import "embed"

// FS 包含 sqlite 缓存后端的建表语句。
//
//go:embed *.sql
var FS embed.FS
