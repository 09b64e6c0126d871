// call_demo — демонстрация ядра вызовов на тестовом движке: исходящий
// аудиовызов с удержанием и входящий вызов с автоответом. События
// печатаются в stdout; завершение по окончании сценария или SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/call_core/pkg/contacts"
	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/engine/enginetest"
	"github.com/arzzra/call_core/pkg/manager"
	"github.com/arzzra/call_core/pkg/routing"
	"github.com/arzzra/call_core/pkg/session"
	"github.com/arzzra/call_core/pkg/settings"
)

func main() {
	var (
		settingsPath = flag.String("settings", "", "Путь к файлу настроек YAML")
		accountURI   = flag.String("account", "alice@example.com", "AOR локального аккаунта")
		target       = flag.String("target", "sip:bob@192.0.2.5:5060", "Цель исходящего вызова")
		step         = flag.Duration("step", 300*time.Millisecond, "Пауза между шагами сценария")
		debug        = flag.Bool("debug", false, "Подробное логирование")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := settings.Default()
	if *settingsPath != "" {
		loaded, err := settings.Load(*settingsPath)
		if err != nil {
			log.Fatalf("настройки не загружены: %v", err)
		}
		cfg = loaded
	}

	acct := settings.Account{
		URI:        *accountURI,
		AutoAnswer: settings.AutoAnswerPolicy{Enabled: true},
		Enabled:    true,
	}
	if a := cfg.DefaultAccount(); a != nil {
		acct = *a
	}

	book := contacts.NewDirectory("example.com")
	book.Add(contacts.Contact{URI: "sip:bob@192.0.2.5", DisplayName: "Боб"})
	book.Add(contacts.Contact{URI: "sip:carol@192.0.2.7", DisplayName: "Кэрол"})

	fake := enginetest.New()
	mgr, err := manager.New(manager.Config{
		Engine:   fake,
		Resolver: routing.New(),
		Contacts: book,
		Account: session.Account{
			ID:            acct.URI,
			DisplayName:   acct.DisplayName,
			OutboundProxy: acct.OutboundProxy,
		},
		Notify:        printManagerNotification,
		SessionNotify: printSessionNotification,
		AutoAnswer: func(contacts.Contact) (time.Duration, bool) {
			return acct.AutoAnswer.Delay(), acct.AutoAnswer.Enabled
		},
		Logger:      logger,
		DownloadDir: cfg.Directories.Downloads,
	})
	if err != nil {
		log.Fatalf("менеджер не создан: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runScript(ctx, mgr, fake, acct, *target, *step)
	}()

	select {
	case <-ctx.Done():
		fmt.Println("== прервано, завершение")
	case <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Printf("менеджер закрыт с ошибкой: %v", err)
	}
}

// runScript проигрывает сценарий: исходящий вызов с удержанием, затем
// входящий с автоответом. Шаги разделены паузами, чтобы асинхронные
// уведомления успели напечататься в естественном порядке.
func runScript(ctx context.Context, mgr *manager.Manager, fake *enginetest.Engine, acct settings.Account, target string, step time.Duration) {
	pause := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
			return true
		}
	}
	account := session.Account{
		ID:            acct.URI,
		DisplayName:   acct.DisplayName,
		OutboundProxy: acct.OutboundProxy,
	}

	fmt.Printf("== исходящий вызов %s\n", target)
	s, err := mgr.CreateSession(account, target, []engine.StreamKind{engine.StreamAudio}, true)
	if err != nil {
		log.Printf("исходящий вызов не создан: %v", err)
		return
	}
	if !pause() {
		return
	}
	es := fake.LastSession()
	if es == nil {
		log.Print("движок не получил запрос на сессию")
		return
	}

	fake.FireProgress(es, 180)
	if !pause() {
		return
	}
	fake.FireStarted(es, engine.StreamAudio)
	if !pause() {
		return
	}

	fmt.Println("== удержание и возобновление")
	s.Hold()
	fake.FireHold(es, engine.OriginatorLocal, true)
	if !pause() {
		return
	}
	s.Unhold()
	fake.FireHold(es, engine.OriginatorLocal, false)
	if !pause() {
		return
	}

	fmt.Println("== завершение вызова")
	if err := s.End(); err != nil {
		log.Printf("вызов не завершен: %v", err)
	}
	fake.FireEnded(es, engine.OriginatorLocal)
	if !pause() {
		return
	}

	fmt.Println("== входящий вызов с автоответом")
	in := fake.NewIncoming("sip:carol@192.0.2.7", engine.StreamAudio)
	if !pause() {
		return
	}
	fake.FireStarted(in, engine.StreamAudio)
	if !pause() {
		return
	}
	fake.FireEnded(in, engine.OriginatorRemote)
	pause()
	fmt.Println("== сценарий завершен")
}

func printManagerNotification(n manager.Notification) {
	switch v := n.(type) {
	case manager.IncomingRequestNotification:
		fmt.Printf("менеджер: входящий запрос от %s (%s)\n",
			v.Request.Contact().URI, v.Request.Contact().DisplayName)
	case manager.RequestActivatedNotification:
		fmt.Printf("менеджер: запрос %s требует внимания\n", v.Request.ID())
	case manager.RequestResolvedNotification:
		fmt.Printf("менеджер: запрос %s разрешен: %s\n", v.Request.ID(), v.Decision)
	case manager.ActiveSessionChangedNotification:
		switch {
		case v.New != nil:
			fmt.Printf("менеджер: активная сессия %s\n", v.New.ID())
		default:
			fmt.Println("менеджер: активной сессии нет")
		}
	case manager.TonesChangedNotification:
		fmt.Printf("менеджер: сигналы out=%s in=%s hold=%s\n",
			v.Tones.Outbound, v.Tones.Inbound, v.Tones.Hold)
	}
}

func printSessionNotification(n session.Notification) {
	switch v := n.(type) {
	case session.NewOutgoingNotification:
		fmt.Printf("сессия %s: исходящая к %s\n", v.Session.ID(), v.Session.RemoteURI())
	case session.NewIncomingNotification:
		fmt.Printf("сессия %s: входящая от %s\n", v.Session.ID(), v.Session.RemoteURI())
	case session.StateChangedNotification:
		fmt.Printf("сессия %s: %s -> %s\n", v.Session.ID(), v.Old, v.New)
	case session.DidConnectNotification:
		fmt.Printf("сессия %s: установлена\n", v.Session.ID())
	case session.HoldChangedNotification:
		fmt.Printf("сессия %s: удержание=%v (%s)\n", v.Session.ID(), v.On, v.Originator)
	case session.DidEndNotification:
		fmt.Printf("сессия %s: завершена (%s)\n", v.Session.ID(), v.Reason)
	}
}
