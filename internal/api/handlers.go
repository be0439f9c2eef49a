package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/internal/segment"
	"github.com/radubobirnac/vocallocal/internal/transcribe"
	"github.com/radubobirnac/vocallocal/internal/transcript"
	"github.com/radubobirnac/vocallocal/pkg/types"
)

// chunkResponse is the per-chunk transcription reply. Text is the
// deduplicated fragment when the chunk was merged in order; an out-of-order
// chunk gets its raw text back and is deduplicated once the gap closes.
type chunkResponse struct {
	Text        string `json:"text"`
	ChunkNumber uint64 `json:"chunk_number"`
	SessionID   string `json:"session_id"`
	Model       string `json:"model"`
	Status      string `json:"status"`
	Degraded    bool   `json:"degraded,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// fileResponse is the whole-file transcription reply.
type fileResponse struct {
	Transcript     string `json:"transcript"`
	Model          string `json:"model"`
	Segments       int    `json:"segments"`
	FailedSegments int    `json:"failed_segments"`
	Degraded       bool   `json:"degraded,omitempty"`
}

// handleTranscribeChunk drives one live chunk through resolve, transcribe,
// and merge, then replies with the chunk's deduplicated text.
func (s *Server) handleTranscribeChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		s.metrics.ChunkDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	seq, err := strconv.ParseUint(r.FormValue("chunk_number"), 10, 64)
	if err != nil || seq == 0 {
		writeError(w, http.StatusBadRequest, "chunk_number must be a positive integer")
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	audio, filename, err := s.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := r.FormValue("user_id")
	decision := s.resolver.Resolve(ctx, types.ModelRequest{
		RequestedModel: r.FormValue("model"),
		UserID:         userID,
		Role:           callerRole(r),
		SessionID:      sessionID,
	})
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, decision.Reason)
		return
	}
	if allow := s.resolver.UsageAllowed(ctx, userID, types.ServiceTranscription, 0); !allow.Allowed {
		writeError(w, http.StatusTooManyRequests, allow.Reason)
		return
	}

	frag, err := s.executor.Transcribe(ctx, transcribe.Request{
		SessionID:       sessionID,
		Seq:             seq,
		UserID:          userID,
		Audio:           audio,
		Filename:        chunkFilename(seq, filename),
		Model:           decision.ResolvedModel,
		Language:        r.FormValue("language"),
		DurationSeconds: uploadDuration(r, audio),
	})
	if err != nil {
		var failed *transcribe.FailedError
		if errors.As(err, &failed) {
			writeError(w, http.StatusBadGateway,
				fmt.Sprintf("chunk %d could not be transcribed", failed.Seq))
			return
		}
		writeError(w, http.StatusInternalServerError, "transcription failed")
		return
	}

	text := frag.Text
	if applied, ok := s.sessions.Get(sessionID).Add(frag)[frag.Seq]; ok {
		text = applied
	}

	writeJSON(w, http.StatusOK, chunkResponse{
		Text:        text,
		ChunkNumber: seq,
		SessionID:   sessionID,
		Model:       decision.ResolvedModel,
		Status:      "ok",
		Degraded:    decision.Degraded,
		Reason:      decision.Reason,
	})
}

// handleTranscribeFile transcribes a whole uploaded file, splitting it into
// provider-sized segments first when it exceeds the upload limits. Failed
// segments leave a gap but never abort the batch.
func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.splitter == nil {
		writeError(w, http.StatusNotFound, "file transcription is not enabled")
		return
	}
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	audio, filename, err := s.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := r.FormValue("user_id")
	sessionID := uuid.NewString()
	decision := s.resolver.Resolve(ctx, types.ModelRequest{
		RequestedModel: r.FormValue("model"),
		UserID:         userID,
		Role:           callerRole(r),
		SessionID:      sessionID,
	})
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, decision.Reason)
		return
	}
	if allow := s.resolver.UsageAllowed(ctx, userID, types.ServiceTranscription, 0); !allow.Allowed {
		writeError(w, http.StatusTooManyRequests, allow.Reason)
		return
	}

	// The splitter works on paths; spill the upload to a temp file.
	tmp, err := os.CreateTemp("", "vocallocal-upload-*"+filepath.Ext(filename))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not stage upload")
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, "could not stage upload")
		return
	}
	tmp.Close()

	segments, cleanup, err := s.splitter.Split(ctx, tmp.Name())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "could not segment file: "+err.Error())
		return
	}
	defer cleanup()
	defer s.executor.EndSession(sessionID)

	// Per-segment duration comes from the segment's own header when it has
	// one; otherwise the client's declared total is spread evenly.
	totalDuration := uploadDuration(r, audio)

	merger := transcript.NewMerger(s.cfg.WindowWords)
	failedSegments := 0
	for i, segPath := range segments {
		data, err := os.ReadFile(segPath)
		if err != nil {
			observe.Logger(ctx).Error("segment unreadable", "path", segPath, "err", err)
			failedSegments++
			continue
		}
		segDuration := segment.WAVDuration(data)
		if segDuration <= 0 && totalDuration > 0 {
			segDuration = totalDuration / float64(len(segments))
		}
		frag, err := s.executor.Transcribe(ctx, transcribe.Request{
			SessionID:       sessionID,
			Seq:             uint64(i + 1),
			UserID:          userID,
			Audio:           data,
			Filename:        filepath.Base(segPath),
			Model:           decision.ResolvedModel,
			Language:        r.FormValue("language"),
			DurationSeconds: segDuration,
		})
		if err != nil {
			failedSegments++
			continue
		}
		merger.Add(frag)
	}
	if failedSegments == len(segments) {
		writeError(w, http.StatusBadGateway, "no segment could be transcribed")
		return
	}

	writeJSON(w, http.StatusOK, fileResponse{
		Transcript:     merger.Transcript(),
		Model:          decision.ResolvedModel,
		Segments:       len(segments),
		FailedSegments: failedSegments,
		Degraded:       decision.Degraded,
	})
}

// endSessionRequest is the body of POST /api/end-session.
type endSessionRequest struct {
	SessionID string `json:"session_id"`
}

// endSessionResponse carries the final merged transcript of a closed session.
type endSessionResponse struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

// handleEndSession releases the merge and accounting state held for a live
// session and returns the final transcript. Clients call it when a recording
// ends; without it a long-running server would keep per-session state forever.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	final := s.sessions.Close(req.SessionID)
	s.executor.EndSession(req.SessionID)

	writeJSON(w, http.StatusOK, endSessionResponse{
		SessionID:  req.SessionID,
		Transcript: final,
	})
}

// resetRequest is the body of POST /api/reset-usage.
type resetRequest struct {
	ForceReset bool `json:"force_reset"`
}

// handleResetUsage runs the bulk monthly reset and returns its report.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	if s.reset == nil {
		writeError(w, http.StatusServiceUnavailable, "usage reset is not enabled")
		return
	}

	var req resetRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	report, err := s.reset.ResetAll(r.Context(), req.ForceReset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleUsageStats reports the aggregate current-period usage.
func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "usage stats are not enabled")
		return
	}
	stats, err := s.stats.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats collection failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// requireToken guards admin endpoints with the configured bearer token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ResetToken == "" {
			writeError(w, http.StatusForbidden, "admin endpoints are disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ResetToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

// readUpload pulls the "audio" part out of the parsed multipart form.
func (s *Server) readUpload(r *http.Request) ([]byte, string, error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return nil, "", errors.New("missing audio upload")
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, "", errors.New("could not read audio upload")
	}
	if int64(len(audio)) > s.cfg.MaxUploadBytes {
		return nil, "", fmt.Errorf("audio exceeds the %d byte upload limit", s.cfg.MaxUploadBytes)
	}
	if len(audio) == 0 {
		return nil, "", errors.New("empty audio upload")
	}
	return audio, header.Filename, nil
}

// uploadDuration derives the audio length in seconds for usage accounting:
// the client's duration_seconds form field when present, else the WAV header
// of the upload. Non-WAV uploads without a declared duration yield 0 and are
// not billed.
func uploadDuration(r *http.Request, audio []byte) float64 {
	if v := r.FormValue("duration_seconds"); v != "" {
		if d, err := strconv.ParseFloat(v, 64); err == nil && d > 0 {
			return d
		}
	}
	return segment.WAVDuration(audio)
}

// callerRole reads the authenticated role forwarded by the front proxy.
// Unknown or missing values get the least privilege.
func callerRole(r *http.Request) types.Role {
	role := types.Role(r.Header.Get("X-User-Role"))
	if !role.IsValid() {
		return types.RoleNormalUser
	}
	return role
}

// chunkFilename gives unnamed uploads a stable name carrying the container
// extension, which providers use for upload metadata.
func chunkFilename(seq uint64, original string) string {
	ext := filepath.Ext(original)
	if ext == "" {
		ext = ".wav"
	}
	return fmt.Sprintf("chunk-%d%s", seq, ext)
}

// decodeJSON strictly decodes one JSON object from rd.
func decodeJSON(rd io.Reader, v any) error {
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
