package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FileSelector описывает передаваемый файл: путь, размер, время изменения,
// хеш содержимого и тип содержимого. Хеш считается лениво и переживает
// повторные попытки передачи, пока файл не изменился.
type FileSelector struct {
	Path        string
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
	// Hash — "sha256:<hex>" содержимого файла; пуст до первого вычисления.
	Hash string
}

// NewFileSelector создает селектор по пути к существующему файлу.
func NewFileSelector(path string) (*FileSelector, error) {
	fs := &FileSelector{Path: path}
	if err := fs.stat(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSelector) stat() error {
	info, err := os.Stat(fs.Path)
	if err != nil {
		return errors.Wrap(err, "файл передачи")
	}
	if info.IsDir() {
		return errors.Errorf("файл передачи %s является каталогом", fs.Path)
	}
	fs.Name = filepath.Base(fs.Path)
	fs.Size = info.Size()
	fs.ModTime = info.ModTime()
	fs.ContentType = contentTypeByName(fs.Name)
	return nil
}

// Refresh повторно читает метаданные файла. Если файл изменился с прошлого
// снятия (время изменения или размер), накопленный хеш сбрасывается.
// Возвращает признак изменения.
func (fs *FileSelector) Refresh() (bool, error) {
	prevMod, prevSize := fs.ModTime, fs.Size
	if err := fs.stat(); err != nil {
		return false, err
	}
	changed := !fs.ModTime.Equal(prevMod) || fs.Size != prevSize
	if changed {
		fs.Hash = ""
	}
	return changed, nil
}

// ComputeHash вычисляет SHA-256 содержимого файла, если он еще не
// вычислен. Повторный вызов без изменения файла использует готовый хеш.
func (fs *FileSelector) ComputeHash() error {
	if fs.Hash != "" {
		return nil
	}
	h, err := hashFile(fs.Path)
	if err != nil {
		return err
	}
	fs.Hash = h
	return nil
}

// hashFile возвращает "sha256:<hex>" содержимого файла.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "хеширование файла")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "хеширование файла")
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// contentTypeByName определяет тип содержимого по расширению имени файла.
func contentTypeByName(name string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ct == "" {
		return "application/octet-stream"
	}
	// Параметры вида "; charset=utf-8" в дескрипторе передачи не нужны
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
