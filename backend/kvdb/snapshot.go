package kvdb

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// 快照格式
const (
	SnapshotZip   = "zip"
	SnapshotTarGz = "tar.gz"
)

// prepareDir 确定目录型数据库的路径，source 不为空时从归档中恢复
func prepareDir(dbPath, source string) (string, error) {
	if source == "" {
		return dbPath, nil
	}
	dbPath = fmt.Sprintf("%s.%d", dbPath, time.Now().UnixNano())
	var err error
	switch {
	case strings.HasSuffix(source, "."+SnapshotTarGz):
		err = extractTarGz(source, dbPath)
	case strings.HasSuffix(source, "."+SnapshotZip):
		err = extractZip(source, dbPath)
	default:
		return "", errors.Errorf("unsupported source archive [%s]", source)
	}
	if err != nil {
		return "", errors.Wrapf(err, "restore %s into %s failed", source, dbPath)
	}
	return dbPath, nil
}

// snapshot 把关闭后的数据库目录打包到同级目录，返回归档路径
func snapshot(dbPath, typ string) (string, error) {
	if typ == "" {
		return "", nil
	}
	target := fmt.Sprintf("%s.%d.%s", dbPath, time.Now().UnixNano(), typ)
	var err error
	switch typ {
	case SnapshotZip:
		err = createZip(dbPath, target)
	case SnapshotTarGz:
		err = createTarGz(dbPath, target)
	default:
		return "", errors.Errorf("unsupported snapshot type [%s]", typ)
	}
	if err != nil {
		return "", errors.Wrapf(err, "snapshot %s failed", dbPath)
	}
	return target, nil
}

// walkFiles 遍历目录下的文件和子目录，跳过根目录
func walkFiles(srcDir string, fn func(rel string, path string, info os.FileInfo) error) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		return fn(filepath.ToSlash(rel), path, info)
	})
}

func copyFrom(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func createTarGz(srcDir, dstFile string) error {
	fw, err := os.Create(dstFile)
	if err != nil {
		return err
	}
	defer fw.Close()
	gw := gzip.NewWriter(fw)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	return walkFiles(srcDir, func(rel, path string, info os.FileInfo) error {
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			return copyFrom(tw, path)
		}
		return nil
	})
}

func createZip(srcDir, dstFile string) error {
	fw, err := os.Create(dstFile)
	if err != nil {
		return err
	}
	defer fw.Close()
	zw := zip.NewWriter(fw)
	defer zw.Close()

	return walkFiles(srcDir, func(rel, path string, info os.FileInfo) error {
		if info.IsDir() {
			rel += "/"
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = rel
		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			return copyFrom(w, path)
		}
		return nil
	})
}

// safePath 归档中的路径不能逃出目标目录
func safePath(destDir, name string) (string, error) {
	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(destDir, name)
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if targetAbs != destAbs && !strings.HasPrefix(targetAbs, destAbs+string(os.PathSeparator)) {
		return "", errors.Errorf("unsafe extraction path: %s", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func extractTarGz(srcFile, destDir string) error {
	fr, err := os.Open(srcFile)
	if err != nil {
		return err
	}
	defer fr.Close()
	gr, err := gzip.NewReader(fr)
	if err != nil {
		return err
	}
	defer gr.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safePath(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		default:
			return errors.Errorf("unsupported file type %v in %s", header.Typeflag, header.Name)
		}
	}
}

func extractZip(srcFile, destDir string) error {
	reader, err := zip.OpenReader(srcFile)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	for _, file := range reader.File {
		target, err := safePath(destDir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, file.Mode())
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
