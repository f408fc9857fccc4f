// publish.go — POST /publish.
package handlers

import (
	"net/http"

	apierrors "github.com/bigkaa/goartstore/attachment-module/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

// publishRequest — публикация одного элемента (id, допускается null)
// или набора (ids). При наличии ids поле id игнорируется.
type publishRequest struct {
	ID      *string    `json:"id"`
	IDs     *[]string  `json:"ids"`
	Slot    model.Slot `json:"slot"`
	Replace bool       `json:"replace"`
	Move    bool       `json:"move"`
}

type publishResponse struct {
	Success bool     `json:"success"`
	IDs     []string `json:"ids"`
}

// Publish — POST /publish.
func (h *APIHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	ctx := r.Context()
	if req.IDs != nil {
		publishMany := h.publisher.PublishMany
		if req.Move {
			publishMany = h.publisher.MoveMany
		}
		res, err := publishMany(ctx, *req.IDs, req.Slot, req.Replace)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, publishResponse{Success: res.Success, IDs: res.IDs})
		return
	}

	publish := h.publisher.Publish
	if req.Move {
		publish = h.publisher.Move
	}
	res, err := publish(ctx, req.ID, req.Slot, req.Replace)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	ids := []string{}
	switch {
	case res.NewID != "":
		ids = append(ids, res.NewID)
	case req.ID != nil:
		ids = append(ids, *req.ID)
	}
	writeJSON(w, http.StatusOK, publishResponse{Success: res.Published, IDs: ids})
}
