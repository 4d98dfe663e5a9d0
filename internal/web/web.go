// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package web

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"

	"shroud/internal/gateway"
	"shroud/internal/pkg/global"
	"shroud/internal/version"
	"shroud/internal/web/res"
)

const HeaderAuthorization = "Authorization"

func New(g *gateway.Gateway, token string, enableDebug bool) http.Handler {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	r := chi.NewMux()
	r.Use(middleware.Recoverer, middleware.SetHeader("Server", global.UserAgent))

	r.Handle("GET /metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		res.Text(w, http.StatusOK, ".")
	})

	if enableDebug {
		info, ok := debug.ReadBuildInfo()
		if ok {
			s := []byte(version.FormatBuildInfo(info))

			r.Get("/debug/version", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("content-type", "text/plain")
				w.WriteHeader(http.StatusOK)
				_, _ = fmt.Fprintln(w, version.Print())
				_, _ = fmt.Fprintln(w)
				_, _ = w.Write(s)
			})
		} else {
			r.Get("/debug/version", func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprintln(w, version.Print())
			})
		}

		// connection traces recorded by conntrack
		r.HandleFunc("/debug/events", trace.Events)
		r.HandleFunc("/debug/requests", trace.Traces)

		r.Mount("/debug", middleware.Profiler())
	}

	var auth = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderAuthorization)), []byte(token)) != 1 {
				res.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}

	h := &handler{g: g, v: v}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoCache, auth)

		r.Get("/keys", h.listKeys)
		r.Post("/keys", h.addKey)
		r.Delete("/keys/{info_hash}", h.removeKey)

		r.Get("/peers", h.listPeers)
	})

	return r
}

type handler struct {
	g *gateway.Gateway
	v *validator.Validate
}
