package transfer

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/pkg/errors"
)

// encryptedExt — расширение зашифрованных файлов передачи.
const encryptedExt = ".asc"

// KeyRing — ключи PGP передачи файлов: публичные ключи получателей для
// шифрования исходящих и приватный ключ аккаунта для расшифровки входящих.
type KeyRing struct {
	entities openpgp.EntityList
}

// NewKeyRing создает связку из готовых сущностей PGP.
func NewKeyRing(entities ...*openpgp.Entity) *KeyRing {
	return &KeyRing{entities: entities}
}

// LoadKeyRing читает связку ключей из файла в броне ASCII.
func LoadKeyRing(path string) (*KeyRing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "связка ключей PGP")
	}
	defer f.Close()
	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, errors.Wrap(err, "разбор связки ключей PGP")
	}
	return &KeyRing{entities: entities}, nil
}

// Empty сообщает, что в связке нет ключей.
func (k *KeyRing) Empty() bool {
	return k == nil || len(k.entities) == 0
}

// EncryptFile шифрует src всем ключам связки в файл dst в броне ASCII.
// Частично записанный dst при ошибке удаляется.
func (k *KeyRing) EncryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "шифрование файла")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "шифрование файла")
	}
	if err := k.encryptTo(out, in, filepath.Base(src)); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return errors.Wrap(err, "шифрование файла")
	}
	return nil
}

func (k *KeyRing) encryptTo(dst io.Writer, src io.Reader, name string) error {
	armorer, err := armor.Encode(dst, "PGP MESSAGE", nil)
	if err != nil {
		return errors.Wrap(err, "кодирование брони PGP")
	}
	plaintext, err := openpgp.Encrypt(armorer, k.entities, nil,
		&openpgp.FileHints{IsBinary: true, FileName: name}, nil)
	if err != nil {
		return errors.Wrap(err, "шифрование PGP")
	}
	if _, err := io.Copy(plaintext, src); err != nil {
		return errors.Wrap(err, "шифрование PGP")
	}
	if err := plaintext.Close(); err != nil {
		return errors.Wrap(err, "шифрование PGP")
	}
	return errors.Wrap(armorer.Close(), "кодирование брони PGP")
}

// DecryptFile расшифровывает файл src в броне ASCII в файл dst приватным
// ключом связки. Частично записанный dst при ошибке удаляется.
func (k *KeyRing) DecryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "расшифровка файла")
	}
	defer in.Close()

	block, err := armor.Decode(in)
	if err != nil {
		return errors.Wrap(err, "разбор брони PGP")
	}
	md, err := openpgp.ReadMessage(block.Body, k.entities, nil, nil)
	if err != nil {
		return errors.Wrap(err, "расшифровка PGP")
	}

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "расшифровка файла")
	}
	// Ошибки целостности сообщения всплывают при дочитывании до конца
	if _, err := io.Copy(out, md.UnverifiedBody); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.Wrap(err, "расшифровка PGP")
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return errors.Wrap(err, "расшифровка файла")
	}
	return nil
}

// EncryptedPath возвращает имя зашифрованной версии файла.
func EncryptedPath(path string) string {
	return path + encryptedExt
}

// IsEncryptedPath распознает зашифрованный файл передачи по расширению.
func IsEncryptedPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), encryptedExt)
}

// DecryptedPath возвращает имя расшифрованной версии файла.
func DecryptedPath(path string) string {
	if IsEncryptedPath(path) {
		return path[:len(path)-len(encryptedExt)]
	}
	return path
}
