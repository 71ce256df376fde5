// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package webapi

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manta-io/muskie/pkg/moray"
)

var (
	// ErrSharkTimeout marks a storage write that stalled past the idle window.
	ErrSharkTimeout = errs.Class("shark timeout")
	// ErrSharkUnavailable marks a storage node that could not take the write.
	ErrSharkUnavailable = errs.Class("shark unavailable")
)

const sharkConnectTimeout = 2 * time.Second

func composePayload(parts []PartRef) (io.Reader, error) {
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		names = append(names, part.OwnerUUID+"/"+part.ObjectID)
	}
	raw, err := json.Marshal(map[string]interface{}{"parts": names})
	if err != nil {
		return nil, ErrSharkUnavailable.Wrap(err)
	}
	return bytes.NewReader(raw), nil
}

// PartRef locates one stored object for a composed read or finalize.
type PartRef struct {
	OwnerUUID string
	ObjectID  string
	Sharks    []moray.Shark
}

// ByteRange is a single resolved byte range.
type ByteRange struct {
	Start  int64
	End    int64 // inclusive
	Length int64 // full object length
}

// SharkClient moves object bytes between the front door and the storage
// fleet. Implementations stream; nothing is buffered whole.
type SharkClient interface {
	// Put streams body to every node in the tuple and returns the stored
	// size and base64 content-md5. The write fails as a unit.
	Put(ctx context.Context, nodes []moray.StorageNode, ownerUUID, objectID string, body io.Reader, contentLength int64) (size int64, md5b64 string, err error)

	// Get opens the object, trying sharks in order. A nil rng reads the
	// whole object.
	Get(ctx context.Context, ref PartRef, rng *ByteRange) (io.ReadCloser, error)

	// Finalize asks the target nodes to compose the listed parts into one
	// object, returning its size and base64 content-md5.
	Finalize(ctx context.Context, nodes []moray.StorageNode, ownerUUID, objectID string, parts []PartRef) (size int64, md5b64 string, err error)
}

// HTTPShark speaks the storage daemons' plain HTTP surface.
type HTTPShark struct {
	log    *zap.Logger
	client *http.Client
}

// NewHTTPShark creates a shark client with its own pooled transport.
func NewHTTPShark(log *zap.Logger) *HTTPShark {
	return &HTTPShark{
		log: log,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				DialContext: (&net.Dialer{
					Timeout: sharkConnectTimeout,
				}).DialContext,
			},
		},
	}
}

func sharkURL(storageID, ownerUUID, objectID string) string {
	return "http://" + storageID + "/" + ownerUUID + "/" + objectID
}

// Put fans the body out to every node through pipes; any node failing fails
// the tuple.
func (s *HTTPShark) Put(ctx context.Context, nodes []moray.StorageNode, ownerUUID, objectID string, body io.Reader, contentLength int64) (int64, string, error) {
	writers := make([]io.Writer, 0, len(nodes)+1)
	pipes := make([]*io.PipeWriter, 0, len(nodes))
	group, ctx := errgroup.WithContext(ctx)

	for _, node := range nodes {
		pr, pw := io.Pipe()
		pipes = append(pipes, pw)
		writers = append(writers, pw)
		url := sharkURL(node.MantaStorageID, ownerUUID, objectID)
		group.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, pr)
			if err != nil {
				return ErrSharkUnavailable.Wrap(err)
			}
			if contentLength >= 0 {
				req.ContentLength = contentLength
			}
			resp, err := s.client.Do(req)
			if err != nil {
				_, _ = io.Copy(io.Discard, pr)
				if ctx.Err() != nil {
					return ErrSharkTimeout.Wrap(err)
				}
				return ErrSharkUnavailable.Wrap(err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 300 {
				_, _ = io.Copy(io.Discard, pr)
				return ErrSharkUnavailable.New("%s returned %s", url, resp.Status)
			}
			return nil
		})
	}

	hasher := md5.New()
	writers = append(writers, hasher)

	var size int64
	group.Go(func() error {
		n, err := io.Copy(io.MultiWriter(writers...), body)
		size = n
		for _, pw := range pipes {
			_ = pw.CloseWithError(err)
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return 0, "", err
	}
	return size, base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// Get opens the object from the first reachable shark.
func (s *HTTPShark) Get(ctx context.Context, ref PartRef, rng *ByteRange) (io.ReadCloser, error) {
	var group errs.Group
	for _, shark := range ref.Sharks {
		url := sharkURL(shark.MantaStorageID, ref.OwnerUUID, ref.ObjectID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			group.Add(ErrSharkUnavailable.Wrap(err))
			continue
		}
		if rng != nil {
			req.Header.Set("Range",
				"bytes="+strconv.FormatInt(rng.Start, 10)+"-"+strconv.FormatInt(rng.End, 10))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			group.Add(ErrSharkUnavailable.Wrap(err))
			continue
		}
		if resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			group.Add(ErrSharkUnavailable.New("%s returned %s", url, resp.Status))
			continue
		}
		return resp.Body, nil
	}
	return nil, ErrSharkUnavailable.Wrap(group.Err())
}

// Finalize drives the storage-side compose of a committed upload: each
// target node pulls the parts and concatenates them locally.
func (s *HTTPShark) Finalize(ctx context.Context, nodes []moray.StorageNode, ownerUUID, objectID string, parts []PartRef) (int64, string, error) {
	// the composed md5 comes from reading the parts in order exactly once
	hasher := md5.New()
	var size int64
	for _, part := range parts {
		body, err := s.Get(ctx, part, nil)
		if err != nil {
			return 0, "", err
		}
		n, err := io.Copy(hasher, body)
		_ = body.Close()
		if err != nil {
			return 0, "", ErrSharkUnavailable.Wrap(err)
		}
		size += n
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		url := sharkURL(node.MantaStorageID, ownerUUID, objectID) + "?finalize=true"
		group.Go(func() error {
			payload, err := composePayload(parts)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, payload)
			if err != nil {
				return ErrSharkUnavailable.Wrap(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := s.client.Do(req)
			if err != nil {
				return ErrSharkUnavailable.Wrap(err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 300 {
				return ErrSharkUnavailable.New("%s returned %s", url, resp.Status)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, "", err
	}
	return size, base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}
