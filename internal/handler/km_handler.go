package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/middleware"
	"qkd-mail-crypto/internal/usecase"
	"qkd-mail-crypto/pkg/etsi"
	"qkd-mail-crypto/pkg/httputil"
)

// KMHandler はETSI GS QKD 014 形式の鍵配送APIのハンドラ。
type KMHandler struct {
	service *usecase.KMService
}

// NewKMHandler は新しいKMHandlerを生成する。
func NewKMHandler(service *usecase.KMService) *KMHandler {
	return &KMHandler{service: service}
}

func etsiError(w http.ResponseWriter, err error) {
	status, _ := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	httputil.JSON(w, status, etsi.Error{Message: message})
}

// caller は認証済みの呼び出し元SAEを返す。
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.SAEIDFromContext(r.Context())
	if !ok || validateSAEID(id) != nil {
		httputil.JSON(w, http.StatusUnauthorized, etsi.Error{Message: "SAE authentication required"})
		return "", false
	}
	return id, true
}

// pathSAEID はパスのSAE IDを検証して返す。
func pathSAEID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := chi.URLParam(r, name)
	if err := validateSAEID(id); err != nil {
		httputil.JSON(w, http.StatusBadRequest, etsi.Error{Message: "invalid SAE ID format"})
		return "", false
	}
	return id, true
}

// Status は呼び出し元SAEと slave SAE の間の鍵の状態を返す。
func (h *KMHandler) Status(w http.ResponseWriter, r *http.Request) {
	master, ok := caller(w, r)
	if !ok {
		return
	}
	slave, ok := pathSAEID(w, r, "sae_id")
	if !ok {
		return
	}

	st, err := h.service.Status(r.Context(), master, slave)
	if err != nil {
		etsiError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, etsi.Status{
		SourceKMEID:      h.service.KMEID(),
		TargetKMEID:      h.service.KMEID(),
		MasterSAEID:      master,
		SlaveSAEID:       slave,
		KeySize:          st.KeySizeBits,
		StoredKeyCount:   st.AvailableKeyCount,
		MaxKeyCount:      st.MaxKeyCount,
		MaxKeyPerRequest: st.MaxKeyPerRequest,
		MaxKeySize:       usecase.MaxKeySizeBits,
		MinKeySize:       usecase.MinKeySizeBits,
	})
}

// GetEncKeys はクエリパラメータで指定された鍵を払い出す。
func (h *KMHandler) GetEncKeys(w http.ResponseWriter, r *http.Request) {
	req := etsi.KeyRequest{}
	q := r.URL.Query()
	for name, dst := range map[string]*int{"number": &req.Number, "size": &req.Size} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.JSON(w, http.StatusBadRequest, etsi.Error{Message: "invalid " + name})
			return
		}
		*dst = n
	}
	h.issue(w, r, req)
}

// PostEncKeys はリクエストボディで指定された鍵を払い出す。
func (h *KMHandler) PostEncKeys(w http.ResponseWriter, r *http.Request) {
	var req etsi.KeyRequest
	if err := httputil.DecodeJSON(w, r, &req, 64<<10); err != nil {
		httputil.JSON(w, http.StatusBadRequest, etsi.Error{Message: err.Error()})
		return
	}
	h.issue(w, r, req)
}

func (h *KMHandler) issue(w http.ResponseWriter, r *http.Request, req etsi.KeyRequest) {
	master, ok := caller(w, r)
	if !ok {
		return
	}
	slave, ok := pathSAEID(w, r, "sae_id")
	if !ok {
		return
	}
	if req.Number == 0 {
		req.Number = 1
	}
	if req.Size == 0 {
		req.Size = usecase.DefaultKeySizeBits
	}

	keys, err := h.service.IssueKeys(r.Context(), master, slave, req.Number, req.Size, domain.KeyKind(req.Kind()))
	if err != nil {
		status := "FAILED"
		if errors.Is(err, domain.ErrInsufficientKeys) {
			status = "INSUFFICIENT"
		}
		middleware.WriteAuditLog(r.Context(), "ENC_KEYS", master, slave, status)
		etsiError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "ENC_KEYS", master, slave, "SUCCESS")
	writeKeys(w, keys)
}

// PostDecKeys は master SAE が取得した鍵を呼び出し元に開示する。
func (h *KMHandler) PostDecKeys(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	master, ok := pathSAEID(w, r, "sae_id")
	if !ok {
		return
	}

	var req etsi.KeyIDs
	if err := httputil.DecodeJSON(w, r, &req, 64<<10); err != nil {
		httputil.JSON(w, http.StatusBadRequest, etsi.Error{Message: err.Error()})
		return
	}

	keys, err := h.service.FetchKeys(r.Context(), callerID, master, req.IDs())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DEC_KEYS", callerID, master, "FAILED")
		etsiError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "DEC_KEYS", callerID, master, "SUCCESS")
	writeKeys(w, keys)
}

func writeKeys(w http.ResponseWriter, keys []*domain.KeyRecord) {
	container := etsi.KeyContainer{Keys: make([]etsi.Key, len(keys))}
	for i, k := range keys {
		container.Keys[i] = etsi.NewKey(k.KeyID, k.Material, string(k.Kind))
		domain.Wipe(k.Material)
	}
	httputil.JSON(w, http.StatusOK, container)
}
