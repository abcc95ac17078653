package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status of each backing store.
type Status struct {
	Redis    string `json:"redis"`
	Database string `json:"database"`
	Checked  string `json:"checked_at"`
}

// Checker pings Redis and Postgres.
type Checker struct {
	redisClient redis.UniversalClient
	db          *sql.DB
}

func NewChecker(redisClient redis.UniversalClient, db *sql.DB) *Checker {
	return &Checker{redisClient: redisClient, db: db}
}

func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{Checked: time.Now().UTC().Format(time.RFC3339)}

	redisCtx, redisCancel := context.WithTimeout(ctx, 2*time.Second)
	defer redisCancel()
	if h.redisClient != nil && h.redisClient.Ping(redisCtx).Err() == nil {
		status.Redis = "connected"
	} else {
		status.Redis = "disconnected"
	}

	dbCtx, dbCancel := context.WithTimeout(ctx, 2*time.Second)
	defer dbCancel()
	if h.db != nil && h.db.PingContext(dbCtx) == nil {
		status.Database = "connected"
	} else {
		status.Database = "disconnected"
	}

	return status
}

func (h *Checker) IsHealthy(ctx context.Context) bool {
	s := h.Check(ctx)
	return s.Redis == "connected" && s.Database == "connected"
}

func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Redis != "connected" || status.Database != "connected" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
