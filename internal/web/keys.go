// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"shroud/internal/metainfo"
	"shroud/internal/web/res"
)

type KeysResponse struct {
	InfoHashes []metainfo.Hash `json:"info_hashes"`
}

type AddKeyRequest struct {
	InfoHash string `json:"info_hash" validate:"required,len=40,hexadecimal"`
}

type AddKeyResponse struct {
	InfoHash metainfo.Hash `json:"info_hash"`
	Added    bool          `json:"added"`
}

func (h *handler) listKeys(w http.ResponseWriter, r *http.Request) {
	res.JSON(w, http.StatusOK, KeysResponse{InfoHashes: h.g.Keys().Hashes()})
}

func (h *handler) addKey(w http.ResponseWriter, r *http.Request) {
	var req AddKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		res.Error(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := h.v.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			res.Error(w, http.StatusBadRequest, "validation failed", lo.Map(ve, func(e validator.FieldError, _ int) string {
				return e.Field() + ": " + e.Tag()
			})...)
			return
		}

		res.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ih, err := metainfo.FromHex(req.InfoHash)
	if err != nil {
		res.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	added := h.g.Keys().Add(ih)

	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}

	res.JSON(w, code, AddKeyResponse{InfoHash: ih, Added: added})
}

func (h *handler) removeKey(w http.ResponseWriter, r *http.Request) {
	ih, err := metainfo.FromHex(chi.URLParam(r, "info_hash"))
	if err != nil {
		res.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.g.Keys().Has(ih) {
		res.Error(w, http.StatusNotFound, "info hash not found")
		return
	}

	h.g.Keys().Remove(ih)

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listPeers(w http.ResponseWriter, r *http.Request) {
	res.JSON(w, http.StatusOK, h.g.Peers())
}
