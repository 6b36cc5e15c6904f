// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package web

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"

	"dhtmsg/internal/pkg/global/tasks"
	"dhtmsg/internal/rendezvous"
	"dhtmsg/internal/version"
	"dhtmsg/internal/web/res"
)

type Status struct {
	rendezvous.Snapshot
	Uptime       string `json:"uptime"`
	RunningTasks int    `json:"running_tasks"`
}

func New(c *rendezvous.Coordinator, enableDebug bool) http.Handler {
	r := chi.NewMux()
	r.Use(middleware.Recoverer)

	r.Handle("GET /metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		res.Text(w, http.StatusOK, ".")
	})

	r.With(middleware.NoCache).Get("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot()
		res.JSON(w, http.StatusOK, Status{
			Snapshot:     snap,
			Uptime:       humanize.RelTime(snap.Started, time.Now(), "", ""),
			RunningTasks: tasks.Running(),
		})
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

		r.HandleFunc("/debug/events", trace.Events)

		r.Mount("/debug", middleware.Profiler())
	}

	return r
}
