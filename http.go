package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Undertaker-afk/FPS-Shooter/internal/mesh"
	"github.com/Undertaker-afk/FPS-Shooter/internal/protocol"
)

// Router mounts the node's full HTTP surface: the websocket ingress, the
// admin/status endpoints, the mesh control plane, and Prometheus metrics.
func (h *Hub) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/diagnostics", h.handleDiagnostics)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/lobbies", h.handleLobbies)
	mux.HandleFunc("/validate", h.handleValidate)
	mux.Handle("/metrics", h.metrics.Handler())

	if h.mesh != nil {
		mux.HandleFunc("/mesh/register", h.handleMeshRegister)
		mux.HandleFunc("/mesh/heartbeat", h.handleMeshHeartbeat)
		mux.HandleFunc("/mesh/workers", h.handleMeshWorkers)
		mux.HandleFunc("/mesh/best", h.handleMeshBest)
		mux.HandleFunc("/mesh/sync", h.handleMeshSync)
	}
	return mux
}

func (h *Hub) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("encode response", zap.Error(err))
		http.Error(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Status     string             `json:"status"`
		ServerTime int64              `json:"serverTime"`
		Queue      []queueDiagnostics `json:"queue"`
		Stats      Stats              `json:"stats"`
	}{
		Status:     "ok",
		ServerTime: h.clock.Now().UnixMilli(),
		Queue:      h.queue.Diagnostics(),
		Stats:      h.Stats(),
	}
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Stats())
}

func (h *Hub) handleLobbies(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.LobbyRecords())
}

// handleValidate dry-runs a gameplay packet against throwaway state.
func (h *Hub) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var pkt protocol.Packet
	if err := json.NewDecoder(r.Body).Decode(&pkt); err != nil {
		h.writeJSON(w, http.StatusBadRequest, newError("malformed packet"))
		return
	}
	if _, ok := protocol.ParsePacketKind(string(pkt.Kind)); !ok {
		h.writeJSON(w, http.StatusBadRequest, newError("unknown packet type"))
		return
	}

	res := h.PreValidate(pkt)
	h.writeJSON(w, http.StatusOK, struct {
		Valid    bool   `json:"valid"`
		Severity string `json:"severity,omitempty"`
		Kind     string `json:"kind,omitempty"`
		Detail   string `json:"detail,omitempty"`
	}{res.Valid, string(res.Severity), res.Kind, res.Detail})
}

func (h *Hub) handleMeshRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var info mesh.WorkerInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		h.writeJSON(w, http.StatusBadRequest, newError("malformed worker info"))
		return
	}
	if err := h.mesh.Register(info); err != nil {
		h.writeJSON(w, http.StatusBadRequest, newError(err.Error()))
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Registered string `json:"registered"`
	}{info.ID})
}

func (h *Hub) handleMeshHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		WorkerID string    `json:"workerId"`
		Load     mesh.Load `json:"load"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, newError("malformed heartbeat"))
		return
	}
	if err := h.mesh.Heartbeat(req.WorkerID, req.Load); err != nil {
		if errors.Is(err, mesh.ErrNotRegistered) {
			h.writeJSON(w, http.StatusNotFound, newError(err.Error()))
			return
		}
		h.writeJSON(w, http.StatusBadRequest, newError(err.Error()))
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Updated string `json:"updated"`
	}{req.WorkerID})
}

func (h *Hub) handleMeshWorkers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.mesh.ListWorkers())
}

func (h *Hub) handleMeshBest(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		h.writeJSON(w, http.StatusBadRequest, newError("missing region"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.mesh.BestWorker(region))
}

// handleMeshSync verifies and applies one signed fleet update. A signature
// mismatch is rejected before any state mutation.
func (h *Hub) handleMeshSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg mesh.SyncMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.writeJSON(w, http.StatusBadRequest, newError("malformed sync message"))
		return
	}
	if _, ok := mesh.ParseSyncKind(string(msg.Type)); !ok {
		h.writeJSON(w, http.StatusBadRequest, newError("unknown sync kind"))
		return
	}

	if err := h.mesh.HandleSync(msg); err != nil {
		if errors.Is(err, mesh.ErrBadSignature) {
			h.metrics.SyncRejected.Inc()
			h.writeJSON(w, http.StatusUnauthorized, newError(err.Error()))
			return
		}
		h.writeJSON(w, http.StatusBadRequest, newError(err.Error()))
		return
	}
	h.metrics.MeshWorkers.Set(float64(h.mesh.WorkerCount()))
	h.writeJSON(w, http.StatusOK, struct {
		Applied string `json:"applied"`
	}{string(msg.Type)})
}
