// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package billyx provides utilities for working with billy filesystems.
package billyx

import (
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// CopyFS recursively copies all files from src to dst billy.Filesystem,
// skipping any path for which ignore returns true. ignore may be nil. It
// returns the relative paths of every regular file copied.
func CopyFS(dst, src billy.Filesystem, ignore func(string) bool) ([]string, error) {
	var headers []string
	err := util.Walk(src, "/", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == "/" || path == "" {
			return nil
		}
		rel := strings.TrimPrefix(path, "/")
		if ignore != nil && ignore(rel) {
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return dst.MkdirAll(path, info.Mode())
		}
		srcFile, err := src.Open(path)
		if err != nil {
			return err
		}
		defer srcFile.Close()
		dstFile, err := dst.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer dstFile.Close()
		if _, err := io.Copy(dstFile, srcFile); err != nil {
			return err
		}
		headers = append(headers, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}
