package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-running component started by the Launcher: the relay
// dispatcher, the notification consumer or the health server.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// WithContext sets the context handed to apps. Cancelling it asks every app to stop.
func WithContext(ctx context.Context) LauncherOption {
	return func(l *Launcher) {
		if ctx != nil {
			l.ctx = ctx
		}
	}
}

// RunApp registers app under name. Registration errors surface from RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	ctx          context.Context
	apps         map[string]App
	wg           sync.WaitGroup
	configErrors []error
}

// NewLauncher builds a launcher from opts.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		ctx:  context.Background(),
		apps: make(map[string]App),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Context returns the context apps should run under.
func (l *Launcher) Context() context.Context {
	if l == nil || l.ctx == nil {
		return context.Background()
	}

	return l.ctx
}

// Add registers an app.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if a == nil {
		return ErrNilApp
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	l.apps[appName] = a

	return nil
}

// RunWithError starts every app in its own panic-guarded goroutine and blocks
// until all of them return.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	ctx := l.Context()

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.apps)))

	var (
		errMu sync.Mutex
		errs  []error
	)

	for name, app := range l.apps {
		l.wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, l.Logger, "launcher", "run_app_"+name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer l.wg.Done()

				l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

				if err := app.Run(l); err != nil {
					l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))

					errMu.Lock()
					errs = append(errs, fmt.Errorf("app %q: %w", name, err))
					errMu.Unlock()
				}

				l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
			},
		)
	}

	l.wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	return errors.Join(errs...)
}
