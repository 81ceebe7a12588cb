package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/console/handler"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Обработчики
	auditHandler    *handler.AuditHandler    // /v1/audit (Logs, Verify)
	endpointHandler *handler.EndpointHandler // /v1/endpoints (Freeze)
}

// NewConsoleServer собирает операторский API: журнал аудита и заморозка эндпоинтов.
func NewConsoleServer(logger *zap.Logger, auditH *handler.AuditHandler, endpointH *handler.EndpointHandler) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		auditHandler:    auditH,
		endpointHandler: endpointH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: zap.NewStdLog(s.logger), NoColor: true}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.NoCache)

		// Журнал только читается: запись идет исключительно через шлюз
		r.Route("/audit", func(r chi.Router) {
			r.Get("/", s.auditHandler.GetLogs)      // ?endpoint=&status=
			r.Get("/verify", s.auditHandler.Verify) // Проверка цепочки хэшей
		})

		r.Mount("/endpoints", s.endpointHandler.Routes())
	})
}

func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
