package middleware

import (
	"net/http"
	"os"
	"strings"
)

// corsDevOrigins локальные фронтенды, разрешённые без конфигурации
var corsDevOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

// CORS выставляет заголовки Cross-Origin Resource Sharing и отвечает
// на preflight запросы. Продакшн origins берутся из переменной
// CORS_ALLOWED_ORIGINS через запятую, dev-адреса разрешены всегда.
// Credentials требуют конкретного origin, поэтому wildcard уходит
// только запросам без заголовка Origin (curl, мониторинг)
func CORS(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(corsDevOrigins))
	for _, o := range corsDevOrigins {
		allowed[o] = struct{}{}
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := allowed[origin]; ok && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
