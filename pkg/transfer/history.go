package transfer

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// historyEncMode — детерминированное кодирование CBOR (RFC 8949 §4.2):
// одни и те же записи всегда дают идентичные байты файла истории.
var historyEncMode cbor.EncMode

func init() {
	var err error
	historyEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transfer: инициализация кодека истории не удалась: " + err.Error())
	}
}

// Record — завершенная передача в истории.
type Record struct {
	ID          string       `cbor:"id"`
	Direction   Direction    `cbor:"direction"`
	Type        TransferType `cbor:"type"`
	Remote      string       `cbor:"remote"`
	Path        string       `cbor:"path"`
	Size        int64        `cbor:"size"`
	Hash        string       `cbor:"hash,omitempty"`
	ContentType string       `cbor:"content_type,omitempty"`
	StartTime   time.Time    `cbor:"start_time"`
	EndTime     time.Time    `cbor:"end_time"`
	Bytes       uint64       `cbor:"bytes"`
	Reason      string       `cbor:"reason,omitempty"`
	Failed      bool         `cbor:"failed,omitempty"`
}

// History — кольцо последних завершенных передач, сохраняемое одним
// CBOR-файлом. Отсутствующий файл равнозначен пустой истории.
type History struct {
	mu      sync.Mutex
	path    string
	limit   int
	records []Record
}

// defaultHistoryLimit — емкость кольца истории по умолчанию.
const defaultHistoryLimit = 100

// NewHistory создает историю с файлом path. Неположительный limit
// заменяется емкостью по умолчанию.
func NewHistory(path string, limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{path: path, limit: limit}
}

// Load читает историю из файла. Отсутствие файла — не ошибка.
func (h *History) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			h.records = nil
			return nil
		}
		return errors.Wrap(err, "чтение истории передач")
	}
	var records []Record
	if err := cbor.Unmarshal(data, &records); err != nil {
		return errors.Wrap(err, "разбор истории передач")
	}
	if len(records) > h.limit {
		records = records[len(records)-h.limit:]
	}
	h.records = records
	return nil
}

// Add кладет запись в кольцо, вытесняя самую старую при переполнении.
func (h *History) Add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	if len(h.records) > h.limit {
		h.records = h.records[len(h.records)-h.limit:]
	}
}

// Records возвращает записи от новых к старым.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.records))
	for i, r := range h.records {
		out[len(h.records)-1-i] = r
	}
	return out
}

// Save атомарно записывает историю: во временный файл рядом с целевым,
// затем переименование.
func (h *History) Save() error {
	h.mu.Lock()
	records := make([]Record, len(h.records))
	copy(records, h.records)
	h.mu.Unlock()

	data, err := historyEncMode.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "кодирование истории передач")
	}
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "каталог истории передач")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(h.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "запись истории передач")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "запись истории передач")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "запись истории передач")
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "запись истории передач")
	}
	return nil
}
