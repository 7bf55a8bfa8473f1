package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"transcode-orchestrator/pkg/config"
	"transcode-orchestrator/pkg/database"
	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/mq"
	"transcode-orchestrator/pkg/observability"
	"transcode-orchestrator/pkg/storage"
	"transcode-orchestrator/pkg/transcode"
)

const maxUploadBytes = 2 << 30 // 2 GiB

var (
	cfg        *config.Config
	store      *database.PostgresStore
	gateway    *storage.MinioGateway
	transcoder transcode.Client
	logger     *slog.Logger
)

func main() {
	logger = observability.NewLogger()
	slog.SetDefault(logger)
	cfg = config.Load()

	ctx := context.Background()

	var err error
	store, err = database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer store.Close()

	// In a real deployment migrations run separately; for this service we
	// ensure the schema exists at boot.
	if err := store.InitSchema(ctx); err != nil {
		slog.Error("failed to initialize schema", "error", err)
	}

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	gateway, err = storage.NewMinio(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		slog.Error("failed to create storage gateway", "error", err)
		return
	}
	if err := gateway.EnsureBucket(ctx); err != nil {
		slog.Error("failed to ensure media bucket", "error", err)
		return
	}

	transcoder = transcode.NewHTTPClient(cfg.TranscoderURL, cfg.TranscoderToken)

	observability.StartMetricsServer(":8081")

	r := mux.NewRouter()
	r.HandleFunc("/jobs", handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	slog.Info("API server starting on :8080")
	if err := http.ListenAndServe(":8080", r); err != nil {
		slog.Error("api server failed", "error", err)
	}
}

// handleUpload is the only entry point into the core from the web layer:
// persist the raw media, then record the job and its submit task in one
// transaction. The publisher drains the task to the queue.
func handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("media")
	if err != nil {
		http.Error(w, "missing media file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	key := fmt.Sprintf("raw/%s%s", uuid.NewString(), filepath.Ext(header.Filename))
	location, err := gateway.Put(r.Context(), key, file, header.Size)
	if err != nil {
		slog.Error("failed to store upload", "error", err)
		if job.IsPermanent(err) {
			http.Error(w, "upload rejected", http.StatusUnprocessableEntity)
		} else {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	j, err := store.CreateWithSubmitTask(r.Context(), location)
	if err != nil {
		slog.Error("failed to create job", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	slog.Info("job created", "job_id", j.ID, "source_location", location)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": j.ID})
}

type statusResponse struct {
	ID             string    `json:"id"`
	State          job.State `json:"state"`
	OutputLocation string    `json:"output_location,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	DownloadURL    string    `json:"download_url,omitempty"`
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to load job", "job_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		ID:             j.ID,
		State:          j.State,
		OutputLocation: j.OutputLocation,
		LastError:      j.LastError,
	}
	if j.State == job.StateCompleted {
		if u, err := gateway.PresignDownload(r.Context(), j.OutputLocation, time.Hour); err == nil {
			resp.DownloadURL = u.String()
		} else {
			slog.Warn("failed to presign download", "job_id", j.ID, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCancel cancels a CREATED job outright. For a job already handed to
// the transcoding service the remote cancel is advisory only: the job still
// reaches its terminal state through the normal poll path.
func handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to load job", "job_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	switch {
	case j.State == job.StateCreated:
		_, err := store.CompareAndTransition(r.Context(), j.ID, j.Version, job.StateCreated, job.StateCancelled, nil)
		if errors.Is(err, job.ErrConflict) {
			http.Error(w, "job already advanced", http.StatusConflict)
			return
		}
		if err != nil {
			slog.Error("failed to cancel job", "job_id", id, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		slog.Info("job cancelled", "job_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"state": string(job.StateCancelled)})

	case j.State.Terminal():
		http.Error(w, "job already terminal", http.StatusConflict)

	default:
		ctx, cancel := context.WithTimeout(r.Context(), cfg.ExternalCallTimeout)
		defer cancel()
		if err := transcoder.Cancel(ctx, j.ExternalJobRef); err != nil {
			slog.Warn("remote cancel failed", "job_id", id, "error", err)
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"state": string(j.State), "cancel": "requested"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
