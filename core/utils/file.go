package utils

import (
	"fmt"
	"io"
	"os"
)

// AppendFile streams the content of src into dst and returns the number of
// bytes copied. A missing src is reported with an error wrapping os.ErrNotExist.
func AppendFile(dst io.Writer, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("打开文件失败: %w", err)
	}
	defer in.Close()

	n, err := io.Copy(dst, in)
	if err != nil {
		return n, fmt.Errorf("复制文件 %s 失败: %w", src, err)
	}
	return n, nil
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SaveStream writes r to path, replacing any existing file.
func SaveStream(path string, r io.Reader) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("创建文件失败: %w", err)
	}

	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		os.Remove(path)
		return n, fmt.Errorf("保存文件失败: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return n, fmt.Errorf("保存文件失败: %w", err)
	}
	return n, nil
}
