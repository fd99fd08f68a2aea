package commands

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/api"
	"github.com/openfroyo/shipyard/pkg/deploy"
	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/validation"
)

// batchDeployer deploys a batch of applications.
type batchDeployer interface {
	Run(ctx context.Context, reqs []deploy.Request) []deploy.Outcome
}

// reportSink receives validation reports.
type reportSink interface {
	SetReport(r api.Report)
}

// watchLoop validates changed descriptors and deploys the valid ones.
type watchLoop struct {
	validator *validation.Validator
	snapshot  func(ctx context.Context) (*registry.Snapshot, error)

	// runner is nil in validate-only mode.
	runner batchDeployer

	reports  reportSink
	recorder func(*validation.Result)
	logger   zerolog.Logger
}

func (l *watchLoop) process(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	snap, err := l.snapshot(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to read registry")
		return
	}

	var reqs []deploy.Request
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn().Str("file", path).Msg("Descriptor removed; run teardown to remove the application")
			continue
		}

		report := api.Report{Path: path, CheckedAt: time.Now().UTC()}
		d, res, err := validateFile(ctx, l.validator, snap, path)
		if err != nil {
			report.Error = err.Error()
			l.reports.SetReport(report)
			l.logger.Warn().Err(err).Str("file", path).Msg("Descriptor could not be read")
			continue
		}
		if l.recorder != nil {
			l.recorder(res)
		}
		report.Valid = res.Valid()
		report.Result = res
		l.reports.SetReport(report)

		if !res.Valid() {
			l.logger.Warn().
				Str("file", path).
				Int("errors", len(res.Errors())).
				Msg("Descriptor is invalid, not deploying")
			continue
		}
		reqs = append(reqs, deploy.Request{Descriptor: d})
	}

	if l.runner == nil || len(reqs) == 0 {
		return
	}
	for _, o := range l.runner.Run(ctx, reqs) {
		if o.Healthy() {
			l.logger.Info().Str("app", string(o.Key)).Int("attempts", o.Attempts).Msg("Deployment healthy")
			continue
		}
		l.logger.Error().Err(o.Err).Str("app", string(o.Key)).Int("attempts", o.Attempts).Msg("Deployment failed")
	}
}
