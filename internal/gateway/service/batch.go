package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cuongbtq/lara-orchestrator/internal/artifact"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/domain"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
)

// ReadIDs reads one image id per line, skipping blank lines and # comments
func ReadIDs(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ids: %w", err)
	}
	return ids, nil
}

// RunBatch submits one job per image id and returns how many were accepted.
// It stops at the first broker failure since nothing further can be
// enqueued; other failures are collected and returned together.
func (s *Submitter) RunBatch(ctx context.Context, ids []string, urlTemplate string, stages []queue.Stage) (int, error) {
	var (
		accepted int
		errs     []error
	)
	defer s.Wait()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}

		sub, err := s.Submit(ctx, Request{
			SourceReference: artifact.COGURL(urlTemplate, id),
			ImageID:         id,
			Stages:          stages,
			Source:          domain.SourceBatch,
		})
		if err != nil {
			if errors.Is(err, domain.ErrBrokerUnavailable) {
				return accepted, err
			}
			s.logger.Error("Failed to submit image", slog.String("image_id", id), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}

		accepted++
		s.logger.Debug("Image submitted", slog.String("image_id", id), slog.String("job_id", sub.JobID))
	}

	s.logger.Info("Batch submitted",
		slog.Int("accepted", accepted),
		slog.Int("failed", len(errs)),
	)
	return accepted, errors.Join(errs...)
}
