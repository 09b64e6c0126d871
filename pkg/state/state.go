// Package state содержит составной тип состояния "основное/подсостояние"
// и машину переходов для конечных автоматов сессий и файловых передач.
//
// Состояние записывается строкой вида "connected/sent_proposal", где часть
// до косой черты — основное состояние, после — подсостояние. Сравнение
// поддерживает шаблон "*" в подсостоянии: "connected/*" совпадает с любым
// подсостоянием connected, включая его отсутствие.
package state

import "strings"

// None представляет начальное "пустое" состояние машины.
// Нулевое значение State равно None.
var None = State{}

// State — составное состояние автомата.
// Нулевое значение означает отсутствие состояния (None).
type State struct {
	// Main основное состояние (например, "connecting")
	Main string
	// Sub подсостояние (например, "dns_lookup"); пустое если отсутствует
	Sub string
}

// New создает состояние из основного состояния и подсостояния.
func New(main, sub string) State {
	return State{Main: main, Sub: sub}
}

// Parse разбирает строковую запись состояния.
// Примеры: "connected", "connecting/dns_lookup", "None" (пустое состояние).
func Parse(s string) State {
	if s == "" || s == "None" {
		return None
	}
	main, sub, _ := strings.Cut(s, "/")
	return State{Main: main, Sub: sub}
}

// IsNone сообщает, является ли состояние пустым.
func (s State) IsNone() bool {
	return s.Main == "" && s.Sub == ""
}

// String возвращает каноническую строковую запись состояния.
// Для пустого состояния возвращается "None".
func (s State) String() string {
	if s.IsNone() {
		return "None"
	}
	if s.Sub == "" {
		return s.Main
	}
	return s.Main + "/" + s.Sub
}

// Match сравнивает два состояния с поддержкой шаблона в подсостоянии.
// Если хотя бы одна из сторон имеет подсостояние "*", сравниваются только
// основные состояния. Иначе требуется точное совпадение обеих частей.
func (s State) Match(other State) bool {
	if s.Sub == "*" || other.Sub == "*" {
		return s.Main == other.Main
	}
	return s == other
}

// In сообщает, совпадает ли состояние хотя бы с одним из шаблонов.
// Шаблоны задаются строками в записи Parse, включая форму "main/*".
func (s State) In(patterns ...string) bool {
	for _, p := range patterns {
		if s.Match(Parse(p)) {
			return true
		}
	}
	return false
}
