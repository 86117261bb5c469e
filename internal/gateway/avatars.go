package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/lipsync"
	"github.com/lexiqai/avatar-gateway/internal/media"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/registry"
	"github.com/lexiqai/avatar-gateway/internal/supervisor"
	"github.com/lexiqai/avatar-gateway/internal/switcher"
)

// parseForm parses url-encoded and multipart bodies alike
func (s *Server) parseForm(r *http.Request) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return r.ParseMultipartForm(32 << 20)
	}
	return r.ParseForm()
}

// firstValue returns the first non-empty value among keys
func firstValue(r *http.Request, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(r.FormValue(key)); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

type switchRequest struct {
	AvatarID string `json:"avatar_id"`
	RefFile  string `json:"ref_file"`
}

type switchResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	AvatarID string `json:"avatar_id,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// decodeSwitch reads the switch request from a JSON body, a form or the query
func (s *Server) decodeSwitch(r *http.Request) (switchRequest, error) {
	var req switchRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return req, err
		}
		if len(data) > 0 {
			if err := sonic.Unmarshal(data, &req); err != nil {
				return req, fmt.Errorf("malformed JSON body: %w", err)
			}
		}
	} else if err := s.parseForm(r); err != nil {
		return req, fmt.Errorf("malformed form body: %w", err)
	}

	if req.AvatarID == "" {
		req.AvatarID = firstValue(r, "avatar_id")
	}
	if req.RefFile == "" {
		req.RefFile = firstValue(r, "ref_file")
	}
	req.AvatarID = strings.TrimSpace(req.AvatarID)
	req.RefFile = strings.TrimSpace(req.RefFile)
	return req, nil
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeSwitch(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.AvatarID == "" {
		missingField(w, "avatar_id")
		return
	}
	s.runSwitch(w, r, req.AvatarID, req.RefFile)
}

// handleStart switches to the named avatar with the default reference clip
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(r); err != nil {
		badRequest(w, err.Error())
		return
	}
	name := firstValue(r, "avatar_name")
	if name == "" {
		missingField(w, "avatar_name")
		return
	}
	s.runSwitch(w, r, name, "")
}

func (s *Server) runSwitch(w http.ResponseWriter, r *http.Request, avatarID, refFile string) {
	res, err := s.deps.Switcher.Switch(r.Context(), avatarID, refFile)
	if err != nil && res.Status == switcher.StatusPartial {
		// The synthesis side switched; the visual side did not
		logger := requestLogger(r.Context())
		logger.Error().Err(err).Str("avatar_id", avatarID).Msg("Switch partially applied")
		writeJSON(w, http.StatusBadGateway, switchResponse{
			Status:   statusPartial,
			Message:  err.Error(),
			AvatarID: res.AvatarID,
			Port:     res.Port,
		})
		return
	}
	if err != nil {
		writeFault(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, switchResponse{
		Status:   res.Status,
		Message:  res.Message,
		AvatarID: res.AvatarID,
		Port:     res.Port,
	})
}

type addResponse struct {
	Status    string `json:"status"`
	AvatarID  string `json:"avatar_id"`
	ImagePath string `json:"image_path"`
	VoicePath string `json:"voice_path,omitempty"`
}

// handleAdd stores the uploaded media, prepares the avatar on the visual
// backend and registers it. If a later step fails, only the files this
// request wrote are removed; a re-added avatar keeps the media it owned.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		badRequest(w, "expected multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	name := firstValue(r, "name", "avatar_name")
	if name == "" {
		missingField(w, "name")
		return
	}
	if err := registry.ValidateID(name); err != nil {
		writeFault(w, r, err)
		return
	}

	cfg := registry.AvatarConfig{
		AvatarID:     name,
		TTSModel:     firstValue(r, "tts_model"),
		AvatarModel:  firstValue(r, "avatar_model"),
		Timbre:       firstValue(r, "timbre"),
		Description:  firstValue(r, "description"),
		SupportClone: parseBool(r.FormValue("support_clone")),
		Status:       registry.StatusInactive,
	}
	cfg.Clone = cfg.SupportClone
	if cfg.TTSModel == "" {
		missingField(w, "tts_model")
		return
	}
	if cfg.AvatarModel == "" {
		missingField(w, "avatar_model")
		return
	}
	if _, ok := s.deps.Models.Models()[cfg.TTSModel]; !ok {
		writeFault(w, r, fault.Newf(fault.KindValidation, "avatar.add", "unknown tts_model %q", cfg.TTSModel).
			WithField("tts_model").WithAvatar(name))
		return
	}

	face, faceHeader, err := r.FormFile("prompt_face")
	if errors.Is(err, http.ErrMissingFile) {
		missingField(w, "prompt_face")
		return
	}
	if err != nil {
		badRequest(w, "unreadable prompt_face: "+err.Error())
		return
	}
	defer face.Close()

	ctx := r.Context()
	logger := requestLogger(ctx).With().Str("avatar_id", name).Logger()

	existing, err := s.deps.Avatars.Get(ctx, name)
	if err != nil && !fault.Is(err, fault.KindNotFound) {
		writeFault(w, r, err)
		return
	}
	replacing := err == nil
	if replacing {
		// An overwrite keeps the avatar's status; it may be serving right now
		cfg.Status = existing.Status
	}
	up := &upload{store: s.deps.Media, avatarID: name, replacing: replacing, logger: logger}

	videoPath, err := up.save(ctx, faceHeader.Filename, face)
	if err != nil {
		writeFault(w, r, fault.Wrap(err, fault.KindUpstream, "avatar.add", name, "", 0))
		return
	}

	var voicePath string
	if voice, voiceHeader, err := r.FormFile("prompt_voice"); err == nil {
		voicePath, err = up.save(ctx, voiceHeader.Filename, voice)
		voice.Close()
		if err != nil {
			up.abort(ctx)
			writeFault(w, r, fault.Wrap(err, fault.KindUpstream, "avatar.add", name, "", 0))
			return
		}
	}

	imagePath, err := s.deps.Visual.CreateAvatar(ctx, name, videoPath, parseBool(r.FormValue("avatar_blur")))
	if err != nil {
		up.abort(ctx)
		writeFault(w, r, fault.Wrap(err, fault.KindUpstream, "avatar.add", name, "", 0))
		return
	}

	if _, err := s.deps.Avatars.Add(ctx, cfg); err != nil {
		up.abort(ctx)
		writeFault(w, r, err)
		return
	}
	s.previews.Delete(name)

	logger.Info().
		Str("tts_model", cfg.TTSModel).
		Str("avatar_model", cfg.AvatarModel).
		Str("image_path", imagePath).
		Bool("replaced", replacing).
		Msg("Avatar created")

	writeJSON(w, http.StatusOK, addResponse{
		Status:    statusSuccess,
		AvatarID:  name,
		ImagePath: imagePath,
		VoicePath: voicePath,
	})
}

// upload tracks the media one add request wrote. A replacing upload writes
// under fresh names so the files of the registered avatar are never touched.
type upload struct {
	store     media.Store
	avatarID  string
	replacing bool
	logger    zerolog.Logger
	saved     []string
}

func (u *upload) save(ctx context.Context, filename string, r io.Reader) (string, error) {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if u.replacing {
		token, _, _ := strings.Cut(observability.NewCorrelationID(), "-")
		name = token + "-" + name
	}
	loc, err := u.store.Save(ctx, u.avatarID, name, r)
	if err != nil {
		return "", err
	}
	u.saved = append(u.saved, name)
	return loc, nil
}

// abort removes what this request wrote. For a new avatar that is its whole
// media directory.
func (u *upload) abort(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if !u.replacing {
		if err := u.store.Release(ctx, u.avatarID); err != nil {
			u.logger.Warn().Err(err).Msg("Failed to release media after aborted add")
		}
		return
	}
	for _, name := range u.saved {
		if err := u.store.Remove(ctx, u.avatarID, name); err != nil {
			u.logger.Warn().Err(err).Str("file", name).Msg("Failed to remove media after aborted add")
		}
	}
}

type avatarsResponse struct {
	Status  string   `json:"status"`
	Avatars []string `json:"avatars"`
}

func (s *Server) handleGetAvatars(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Avatars.List(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	ids := make([]string, 0, len(configs))
	for _, cfg := range configs {
		ids = append(ids, cfg.AvatarID)
	}
	writeJSON(w, http.StatusOK, avatarsResponse{Status: statusSuccess, Avatars: ids})
}

type avatarEntry struct {
	Clone       bool   `json:"clone"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Timbre      string `json:"timbre"`
	TTSModel    string `json:"tts_model"`
	AvatarModel string `json:"avatar_model"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Avatars.List(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	out := make(map[string]avatarEntry, len(configs))
	for _, cfg := range configs {
		out[cfg.AvatarID] = avatarEntry{
			Clone:       cfg.Clone,
			Description: cfg.Description,
			Status:      cfg.Status,
			Timbre:      cfg.Timbre,
			TTSModel:    cfg.TTSModel,
			AvatarModel: cfg.AvatarModel,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type detailBody struct {
	Detail string `json:"detail"`
}

// handlePreview serves the avatar's preview frame, cached per avatar
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(r); err != nil {
		badRequest(w, err.Error())
		return
	}
	name := firstValue(r, "avatar_name")
	if name == "" {
		missingField(w, "avatar_name")
		return
	}

	img, cached := s.cachedPreview(name)
	if cached {
		w.Header().Set("X-Cache", "hit")
	} else {
		var err error
		img, err = s.deps.Visual.Preview(r.Context(), name)
		if fault.Is(err, fault.KindNotFound) {
			writeJSON(w, http.StatusNotFound, detailBody{Detail: "preview for avatar " + name + " not found"})
			return
		}
		if err != nil {
			writeFault(w, r, err)
			return
		}
		s.previews.Set(name, img, ttlcache.DefaultTTL)
		w.Header().Set("X-Cache", "miss")
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

func (s *Server) cachedPreview(name string) (*lipsync.Image, bool) {
	item := s.previews.Get(name)
	if item == nil || item.IsExpired() {
		return nil, false
	}
	return item.Value(), true
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(r); err != nil {
		badRequest(w, err.Error())
		return
	}
	name := firstValue(r, "avatar_name", "name")
	if name == "" {
		missingField(w, "avatar_name")
		return
	}

	if err := s.deps.Avatars.Delete(r.Context(), name); err != nil {
		writeFault(w, r, err)
		return
	}
	s.previews.Delete(name)

	writeJSON(w, http.StatusOK, statusBody{Status: statusSuccess, Message: "Avatar " + name + " deleted"})
}

type modelEntry struct {
	Name    string           `json:"name"`
	Port    int              `json:"port"`
	State   supervisor.State `json:"state"`
	PID     int              `json:"pid,omitempty"`
	Running bool             `json:"running"`
}

type modelsResponse struct {
	Status string       `json:"status"`
	Models []modelEntry `json:"models"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	handles := make(map[string]supervisor.Handle)
	for _, h := range s.deps.Models.Handles() {
		handles[h.Model] = h
	}

	table := s.deps.Models.Models()
	resp := modelsResponse{Status: statusSuccess, Models: make([]modelEntry, 0, len(table))}
	for _, name := range table.Names() {
		entry := modelEntry{Name: name, Port: table[name].Port, State: supervisor.StateStopped}
		if h, ok := handles[name]; ok {
			entry.State = h.State
			entry.PID = h.PID
			entry.Running = h.State == supervisor.StateRunning
		}
		resp.Models = append(resp.Models, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	Status  string           `json:"status"`
	Session switcher.Session `json:"session"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{Status: statusSuccess, Session: s.deps.Switcher.Session()})
}
