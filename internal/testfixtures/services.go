package testfixtures

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/application"
	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/lock"
	"github.com/example/session-scheduler/internal/persistence/memory"
	"github.com/example/session-scheduler/internal/reconcile"
)

// ServiceFactory assists tests with constructing the reconciliation stack
// using deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock         *Clock
	ScheduleIDs   *IDGenerator
	SessionIDs    *IDGenerator
	HorizonMonths int
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with a clock at
// ReferenceTime and a one-month horizon.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:         NewClock(time.Time{}),
		ScheduleIDs:   NewIDGenerator("schedule"),
		SessionIDs:    NewIDGenerator("session"),
		HorizonMonths: 1,
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.ScheduleIDs == nil {
		factory.ScheduleIDs = NewIDGenerator("schedule")
	}
	if factory.SessionIDs == nil {
		factory.SessionIDs = NewIDGenerator("session")
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithScheduleIDs overrides the schedule identifier generator.
func WithScheduleIDs(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.ScheduleIDs = generator
	}
}

// WithHorizonMonths overrides the generation horizon.
func WithHorizonMonths(months int) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.HorizonMonths = months
	}
}

// ServiceDeps captures optional collaborators. Zero values select an
// in-memory store, an in-process lock and no cache invalidation.
type ServiceDeps struct {
	Store       *memory.Storage
	Locker      lock.Locker
	Invalidator audit.CacheInvalidator
	Workers     int
	Logger      *zerolog.Logger
}

// Services is a fully wired reconciliation stack.
type Services struct {
	Store      *memory.Storage
	Engine     *reconcile.Engine
	Auditor    *audit.Auditor
	Recurrence *application.RecurrenceService
}

// NewServices wires engine, auditor and recurrence service over one store.
func (f *ServiceFactory) NewServices(deps ServiceDeps) *Services {
	store := deps.Store
	if store == nil {
		store = memory.New()
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	engine := reconcile.NewEngine(store, store, reconcile.Config{
		HorizonMonths: f.HorizonMonths,
		Now:           f.Clock.NowFunc(),
		NewID:         f.SessionIDs.NextFunc(),
	}, logger)
	auditor := audit.NewAuditor(store, engine, deps.Locker, deps.Invalidator, audit.Config{
		Workers: deps.Workers,
		Now:     f.Clock.NowFunc(),
	}, logger)
	recurrence := application.NewRecurrenceService(store, auditor, f.ScheduleIDs.NextFunc(), f.Clock.NowFunc(), logger)

	return &Services{
		Store:      store,
		Engine:     engine,
		Auditor:    auditor,
		Recurrence: recurrence,
	}
}

// RecordingInvalidator records invalidated patients and optionally fails.
type RecordingInvalidator struct {
	mu       sync.Mutex
	patients []string
	Err      error
}

// InvalidatePatient records patientID and returns Err.
func (r *RecordingInvalidator) InvalidatePatient(_ context.Context, patientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients = append(r.patients, patientID)
	return r.Err
}

// Patients returns the invalidated patients in call order.
func (r *RecordingInvalidator) Patients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.patients...)
}
