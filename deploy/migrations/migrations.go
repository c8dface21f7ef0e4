package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Files 暴露所有 SQL 迁移文件，按文件名顺序执行。
//
//go:embed *.sql
var Files embed.FS

// Statements 按文件名顺序返回全部迁移语句，语句以分号分隔。
func Statements() ([]string, error) {
	names, err := fs.Glob(Files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var out []string
	for _, name := range names {
		content, err := Files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			if s := strings.TrimSpace(stmt); s != "" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}
