package regwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Service wires the refresh pipeline to the HTTP read surface.
type Service struct {
	cfg Config
	log zerolog.Logger

	fetcher *Fetcher
	store   *Store
	coord   *Coordinator
	journal *Journal // nil when journal.path is empty
	metrics *Metrics
	served  *servedStats

	readLog *rateLimitedLogger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewService builds a service from a compiled config. An invalid resource
// URL is reported as ErrInvalidResourceURL; callers should treat any error
// as fatal.
func NewService(cfg Config, log zerolog.Logger) (*Service, error) {
	fetcher := NewFetcher(FetchConfig{
		Timeout:   cfg.fetchTimeout,
		MaxBytes:  cfg.maxSize,
		UserAgent: cfg.Fetch.UserAgent,
	})
	loc, err := NewPageLocator(cfg.Source.ResourceURL, fetcher)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Source.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		fetcher: fetcher,
		store:   NewStore(cfg.expireAfterAccess),
		metrics: NewMetrics(),
		served:  newServedStats(),
		readLog: newRateLimitedLogger(log.With().Str("component", "http").Logger(), time.Minute),
		stopCh:  make(chan struct{}),
	}

	opts := []CoordinatorOption{
		WithNotifier(NewNotifier(cfg.Callback.URL, cfg.Callback.Parameter, fetcher,
			log.With().Str("component", "notifier").Logger())),
		WithMetrics(s.metrics),
		WithLogger(log.With().Str("component", "coordinator").Logger()),
	}
	if cfg.Journal.Path != "" {
		j, err := OpenJournal(cfg.Journal.Path, cfg.Journal.MaxEntries,
			log.With().Str("component", "journal").Logger())
		if err != nil {
			return nil, err
		}
		s.journal = j
		opts = append(opts, WithRecorder(j))
	}

	s.coord = NewCoordinator(CoordinatorConfig{
		TempDir:       cfg.Source.TempDir,
		FetchTimeout:  cfg.fetchTimeout,
		ParseTimeout:  cfg.parseTimeout,
		NotifyTimeout: cfg.callbackTimeout,
		CheckEvery:    cfg.checkEvery,
	}, loc, fetcher, s.store, opts...)

	log.Info().
		Str("resource", cfg.Source.ResourceURL).
		Dur("checkEvery", cfg.checkEvery).
		Bool("callback", cfg.Callback.URL != "").
		Bool("journal", s.journal != nil).
		Msg("service configured")
	return s, nil
}

// Coordinator exposes the refresh coordinator.
func (s *Service) Coordinator() *Coordinator { return s.coord }

// Start launches the startup check, the scheduled checks and, when
// configured, the stats logger. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.coord.Run(ctx)
	}()

	if s.cfg.logStatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEvery, s.stopCh)
		}()
	}
}

// Close stops background work, deletes the transient download and closes
// the journal.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.stopCh)
		s.wg.Wait()
		s.coord.Close()
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.log.Warn().Err(err).Msg("close journal")
			}
		}
	})
}

// Handler returns the HTTP read surface.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.countResponses)

	r.Get("/registerdata", s.handleRegisterData)
	r.Get("/metadata", s.handleMetadata)
	r.Get("/checkfornew", s.handleCheckForNew)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/refreshlog", s.handleRefreshLog)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func (s *Service) countResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ResponsesTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func (s *Service) handleRegisterData(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.load(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, snap.RecordsJSON())
}

func (s *Service) handleMetadata(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.load(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, snap.MetadataJSON())
}

func (s *Service) load(w http.ResponseWriter, r *http.Request) (*Snapshot, bool) {
	snap, err := s.coord.Load(r.Context())
	if err != nil {
		s.readLog.Warn(err, "cold read failed")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return snap, true
}

func (s *Service) writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	n, _ := w.Write(body)
	s.served.Observe(n)
}

// handleCheckForNew runs one manual cycle to completion, even if the client
// goes away, and always answers OK. The outcome is in the logs, /status and
// /refreshlog.
func (s *Service) handleCheckForNew(w http.ResponseWriter, r *http.Request) {
	_, _ = s.coord.Check(context.WithoutCancel(r.Context()), TriggerManual)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.Health(r.Context()); err != nil {
		s.readLog.Warn(err, "health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("DOWN"))
		return
	}
	_, _ = w.Write([]byte("UP"))
}

// Health reports nil when the temp dir is writable, the journal (if any)
// answers, and the service is not sitting on an empty store after a failed
// refresh.
func (s *Service) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.cfg.Source.TempDir, ".health-*")
	if err != nil {
		return fmt.Errorf("temp dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	if s.journal != nil {
		if err := s.journal.Ping(); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	st := s.coord.Status()
	if _, ok := s.store.Peek(); !ok && st.LastOutcome == OutcomeFailed {
		return fmt.Errorf("%w: last refresh failed: %s", ErrNoSnapshot, st.LastError)
	}
	return nil
}

type statusView struct {
	Status
	Records     *int   `json:"records,omitempty"`
	DiscoveryAt string `json:"discoveryDateTimeUTC,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	v := statusView{Status: s.coord.Status()}
	if snap, ok := s.store.Peek(); ok {
		n := snap.Metadata.RecordCount
		v.Records = &n
		v.DiscoveryAt = snap.Metadata.DiscoveryTime.UTC().Format(DiscoveryTimeLayout)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

const (
	defaultLogLimit = 20
	maxLogLimit     = 1000
)

func (s *Service) handleRefreshLog(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "refresh journal disabled", http.StatusNotFound)
		return
	}
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []JournalEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
