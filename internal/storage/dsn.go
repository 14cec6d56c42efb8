// internal/storage/dsn.go
package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// parseSQLiteDSN 将 sqlite:// 形式的 DSN 转为驱动可用的路径
func parseSQLiteDSN(dsn string) (string, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return "", fmt.Errorf("invalid sqlite DSN scheme, expected sqlite://")
	}

	rest := strings.TrimPrefix(dsn, "sqlite://")
	if rest == "" {
		return "", fmt.Errorf("sqlite DSN has no path")
	}
	if rest == ":memory:" {
		return ":memory:", nil
	}

	path, query, hasQuery := strings.Cut(rest, "?")
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("unescaping path: %w", err)
	}
	path = unescaped
	if !filepath.IsAbs(path) && !strings.HasPrefix(path, "./") {
		path = "./" + path
	}
	if hasQuery {
		return path + "?" + query, nil
	}
	return path, nil
}

// sqliteFilePath 去掉查询参数后的文件路径，内存库返回空
func sqliteFilePath(driverDSN string) string {
	if driverDSN == ":memory:" {
		return ""
	}
	path, _, _ := strings.Cut(driverDSN, "?")
	return path
}
