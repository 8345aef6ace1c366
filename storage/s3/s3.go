// Package s3 implements storage.Storage on top of an S3-compatible
// object store: each Store call writes one object holding a contiguous
// run of frames, and a small per-namespace manifest object tracks which
// objects exist and the namespace's durable frame_no (SPEC_FULL.md §11,
// domain stack: aws-sdk-go-v2).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/storage"
)

// manifest tracks the objects written for one namespace, oldest first.
type manifest struct {
	Objects []objectInfo `json:"objects"`
}

type objectInfo struct {
	Key          string `json:"key"`
	FirstFrameNo uint64 `json:"first_frame_no"`
	LastFrameNo  uint64 `json:"last_frame_no"`
}

// Storage stores WAL frames as objects in an S3 bucket. pageSize must
// match the namespace's fixed page size, since the wire format doesn't
// repeat it per frame.
type Storage struct {
	client   *s3.Client
	bucket   string
	prefix   string
	pageSize uint32
}

var _ storage.Storage = (*Storage)(nil)

// New wraps an already-configured S3 client (built by the caller from
// aws-sdk-go-v2/config.LoadDefaultConfig, so credential discovery and
// region selection stay out of this package).
func New(client *s3.Client, bucket, prefix string, pageSize uint32) *Storage {
	return &Storage{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/"), pageSize: pageSize}
}

func (s *Storage) manifestKey(namespace string) string {
	return fmt.Sprintf("%s/%s/manifest.json", s.prefix, namespace)
}

func (s *Storage) objectKey(namespace string, first, last uint64) string {
	return fmt.Sprintf("%s/%s/%016x-%016x.frames", s.prefix, namespace, first, last)
}

func (s *Storage) loadManifest(ctx context.Context, namespace string) (manifest, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(namespace)),
	})
	if err != nil {
		return manifest{}, nil // treat a missing manifest as an empty namespace
	}
	defer out.Body.Close()

	var m manifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return manifest{}, fmt.Errorf("s3 storage: decode manifest: %w", err)
	}
	return m, nil
}

func (s *Storage) saveManifest(ctx context.Context, namespace string, m manifest) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(namespace)),
		Body:   bytes.NewReader(buf),
	})
	return err
}

// Store encodes req's frames (header + payload per frame, same wire
// layout as a segment's body) into one object and appends it to the
// namespace's manifest.
func (s *Storage) Store(ctx context.Context, req storage.StoreSegmentRequest) error {
	if len(req.Frames) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, fr := range req.Frames {
		hb := make([]byte, frame.HeaderLen)
		frame.EncodeHeader(hb, fr.Header)
		buf.Write(hb)
		buf.Write(fr.Data)
	}

	first := req.Frames[0].Header.FrameNo
	last := req.Frames[len(req.Frames)-1].Header.FrameNo
	key := s.objectKey(req.Namespace, first, last)

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	}); err != nil {
		return fmt.Errorf("s3 storage: put object: %w", err)
	}

	m, err := s.loadManifest(ctx, req.Namespace)
	if err != nil {
		return err
	}
	m.Objects = append(m.Objects, objectInfo{Key: key, FirstFrameNo: first, LastFrameNo: last})
	return s.saveManifest(ctx, req.Namespace, m)
}

// DurableFrameNo returns the highest frame_no across namespace's objects.
func (s *Storage) DurableFrameNo(ctx context.Context, namespace string) (uint64, error) {
	m, err := s.loadManifest(ctx, namespace)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, o := range m.Objects {
		if o.LastFrameNo > max {
			max = o.LastFrameNo
		}
	}
	return max, nil
}

// Restore streams namespace's stored frames in ascending frame_no order.
// RestoreOptions.Timestamp isn't tracked by this backend's manifest, so
// only Latest is honored.
func (s *Storage) Restore(ctx context.Context, namespace string, _ storage.RestoreOptions, fn func(frame.Frame) error) error {
	m, err := s.loadManifest(ctx, namespace)
	if err != nil {
		return err
	}
	sort.Slice(m.Objects, func(i, j int) bool { return m.Objects[i].FirstFrameNo < m.Objects[j].FirstFrameNo })

	for _, o := range m.Objects {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(o.Key),
		})
		if err != nil {
			return fmt.Errorf("s3 storage: get object %s: %w", o.Key, err)
		}
		err = s.streamFrames(out.Body, fn)
		out.Body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) streamFrames(r io.Reader, fn func(frame.Frame) error) error {
	hb := make([]byte, frame.HeaderLen)
	data := make([]byte, s.pageSize)
	for {
		if _, err := io.ReadFull(r, hb); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		h := frame.DecodeHeader(hb)
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("s3 storage: short frame payload: %w", err)
		}
		if err := fn(frame.Frame{Header: h, Data: append([]byte(nil), data...)}); err != nil {
			return err
		}
	}
}
