package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/launcher/internal/core/domain"
)

// memRegistry is an in-memory ports.Registry for service tests.
type memRegistry struct {
	mu  sync.Mutex
	doc *domain.Document
	err error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{doc: domain.NewDocument()}
}

func (m *memRegistry) Load() *domain.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := domain.NewDocument()
	for identity, inst := range m.doc.Instances {
		copied.Instances[identity] = inst
	}
	return copied
}

func (m *memRegistry) WithExclusive(_ context.Context, mutate func(doc *domain.Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	return mutate(m.doc)
}

// fakeRuntime is a scriptable ports.ContainerRuntime.
type fakeRuntime struct {
	mu sync.Mutex

	statuses  map[string]string
	statusErr map[string]error
	samples   map[string]domain.ResourceSample
	sampleErr map[string]error
	addresses map[string]string

	createErr error
	startErr  error
	stopErr   error

	created []domain.ContainerSpec
	started []string
	stopped []string
	removed []string

	nextID string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		statuses:  make(map[string]string),
		statusErr: make(map[string]error),
		samples:   make(map[string]domain.ResourceSample),
		sampleErr: make(map[string]error),
		addresses: make(map[string]string),
		nextID:    "cafebabe000011112222",
	}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) CreateAndStart(_ context.Context, spec domain.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	f.statuses[spec.Name] = domain.StatusRunning
	return f.nextID, nil
}

func (f *fakeRuntime) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, name)
	f.statuses[name] = domain.StatusRunning
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, name)
	f.statuses[name] = domain.StatusExited
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	delete(f.statuses, name)
	// A removed container cannot be inspected anymore.
	delete(f.addresses, name)
	return nil
}

func (f *fakeRuntime) Status(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[name]; err != nil {
		return "", err
	}
	status, ok := f.statuses[name]
	if !ok {
		return "", domain.ErrNotFound
	}
	return status, nil
}

func (f *fakeRuntime) Sample(_ context.Context, name string) (domain.ResourceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sampleErr[name]; err != nil {
		return domain.ResourceSample{}, err
	}
	return f.samples[name], nil
}

func (f *fakeRuntime) Logs(context.Context, string, int) (string, error) {
	return "log line\n", nil
}

func (f *fakeRuntime) FollowLogs(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line\n")), nil
}

func (f *fakeRuntime) Address(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addresses[name]
	if !ok {
		return "", domain.ErrNotFound
	}
	return addr, nil
}

func (f *fakeRuntime) EnsureNetwork(context.Context, string, string, string) error { return nil }

func (f *fakeRuntime) setStatus(name, status string) {
	f.mu.Lock()
	f.statuses[name] = status
	f.mu.Unlock()
}

func (f *fakeRuntime) setSample(name string, sample domain.ResourceSample) {
	f.mu.Lock()
	f.samples[name] = sample
	f.mu.Unlock()
}
