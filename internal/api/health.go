package api

import (
	"net/http"
	"os"
	"strings"
	"time"
)

type HealthOptions struct {
	Version        string
	StartedAt      time.Time
	RegistryDriver string
	RegistryPath   string
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSec      int64  `json:"uptime_sec"`
	RegistryDriver string `json:"registry_driver,omitempty"`
	DBSizeBytes    int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.RegistryDriver, "sqlite") && options.RegistryPath != "" {
			if info, err := os.Stat(options.RegistryPath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:         "ok",
			Version:        options.Version,
			UptimeSec:      int64(uptime.Seconds()),
			RegistryDriver: options.RegistryDriver,
			DBSizeBytes:    dbSizeBytes,
		})
	})
}
