package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/looplab/fsm"
)

// Transition описывает допустимое ребро графа переходов.
// From может использовать шаблон подсостояния ("connecting/*"); To всегда
// конкретное состояние.
type Transition struct {
	From string
	To   string
}

// InvalidTransitionError возвращается при попытке недопустимого перехода.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("невалидный переход состояния: %s -> %s", e.From, e.To)
}

// Machine — конечный автомат над составными состояниями.
//
// Автомат строится из списка переходов: шаблонные From разворачиваются
// в конкретные состояния, известные графу. Прямая проверка переходов
// выполняется картой допустимых ребер, исполнение — через looplab/fsm,
// что дает единый журнал событий вида "src_to_dst".
//
// Machine не синхронизирован: владелец обязан сериализовать доступ
// (машины сессий живут под мьютексом сессии).
type Machine struct {
	fsm   *fsm.FSM
	valid map[string]map[string]bool
}

// formEventName формирует имя события перехода для FSM.
func formEventName(src, dst string) string {
	builder := strings.Builder{}
	builder.WriteString(src)
	builder.WriteString("_to_")
	builder.WriteString(dst)
	return builder.String()
}

// NewMachine создает автомат с начальным состоянием initial и графом
// переходов transitions. Шаблон "main/*" в From охватывает основное
// состояние и все его подсостояния, известные графу.
func NewMachine(initial State, transitions []Transition) *Machine {
	// Собираем все конкретные состояния графа
	known := map[string]bool{initial.String(): true}
	for _, tr := range transitions {
		if !strings.HasSuffix(tr.From, "/*") {
			known[tr.From] = true
		}
		known[tr.To] = true
	}

	expand := func(pattern string) []string {
		if !strings.HasSuffix(pattern, "/*") {
			return []string{pattern}
		}
		main := strings.TrimSuffix(pattern, "/*")
		var out []string
		for s := range known {
			if s == main || strings.HasPrefix(s, main+"/") {
				out = append(out, s)
			}
		}
		return out
	}

	valid := make(map[string]map[string]bool)
	addEdge := func(from, to string) {
		if valid[from] == nil {
			valid[from] = make(map[string]bool)
		}
		valid[from][to] = true
	}

	// Карта событий для FSM: одно событие на конкретную пару (src, dst)
	events := make(map[string]*fsm.EventDesc)
	for _, tr := range transitions {
		for _, from := range expand(tr.From) {
			if from == tr.To {
				continue
			}
			addEdge(from, tr.To)
			name := formEventName(from, tr.To)
			if _, ok := events[name]; !ok {
				events[name] = &fsm.EventDesc{Name: name, Src: []string{from}, Dst: tr.To}
			}
		}
	}

	descs := make(fsm.Events, 0, len(events))
	for _, d := range events {
		descs = append(descs, *d)
	}

	return &Machine{
		fsm:   fsm.NewFSM(initial.String(), descs, fsm.Callbacks{}),
		valid: valid,
	}
}

// Current возвращает текущее состояние автомата.
func (m *Machine) Current() State {
	return Parse(m.fsm.Current())
}

// CanSet проверяет, допустим ли переход в состояние to.
// Переход в текущее состояние всегда допустим (как no-op).
func (m *Machine) CanSet(to State) bool {
	cur := m.fsm.Current()
	if cur == to.String() {
		return true
	}
	return m.valid[cur][to.String()]
}

// Set переводит автомат в состояние to.
// Возвращает предыдущее состояние. Переход в текущее состояние — no-op.
// Недопустимый переход возвращает *InvalidTransitionError, состояние
// не меняется.
func (m *Machine) Set(to State) (State, error) {
	old := Parse(m.fsm.Current())
	if old == to {
		return old, nil
	}
	if !m.valid[old.String()][to.String()] {
		return old, &InvalidTransitionError{From: old, To: to}
	}
	if err := m.fsm.Event(context.TODO(), formEventName(old.String(), to.String())); err != nil {
		return old, fmt.Errorf("ошибка перехода состояния [%s -> %s]: %w", old, to, err)
	}
	return old, nil
}
