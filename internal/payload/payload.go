// Package payload resolves and publishes the blob a Propose.PayloadRef
// points at. The consensus core never reads transaction content — it only
// carries an opaque reference (§6) — so this store lives outside
// internal/consensus entirely and is wired in through
// Driver.WithPayloadResolver.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// chunkSize bounds how large a single stored chunk is before a payload is
// split for upload.
const chunkSize = 64 * 1024 * 1024

// Store is a content-addressed, chunked, S3-compatible payload store. A
// proposal's PayloadRef is the hex CID GetInfo/Store key objects by.
type Store struct {
	client     *minio.Client
	bucket     string
	maxRetries int
}

// Info holds metadata about a stored payload.
type Info struct {
	CID        string            `json:"cid"`
	Size       int64             `json:"size"`
	Chunks     []string          `json:"chunks"`
	MerkleRoot string            `json:"merkle_root"`
	Uploaded   time.Time         `json:"uploaded"`
	Metadata   map[string]string `json:"metadata"`
}

// New creates a Store against an S3-compatible endpoint, creating the
// backing bucket if it doesn't already exist.
func New(endpoint, accessKey, secretKey, bucket string, secure bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("payload: create minio client: %w", err)
	}

	s := &Store{client: client, bucket: bucket, maxRetries: 3}
	if err := s.ensureBucket(); err != nil {
		return nil, fmt.Errorf("payload: ensure bucket: %w", err)
	}
	return s, nil
}

func (s *Store) ensureBucket() error {
	ctx := context.Background()
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		log.Printf("payload: created bucket %s", s.bucket)
	}
	return nil
}

// Store uploads data, chunked and content-addressed, and returns its CID
// (the bytes that belong in a Propose.PayloadRef). Re-storing identical
// content is a no-op that returns the existing Info.
func (s *Store) Store(ctx context.Context, reader io.Reader, metadata map[string]string) (*Info, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("payload: read data: %w", err)
	}

	cid := calculateCID(data)

	if exists, err := s.Exists(ctx, cid); err != nil {
		return nil, err
	} else if exists {
		return s.GetInfo(ctx, cid)
	}

	chunks, merkleRoot := chunkData(data)

	chunkCIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		chunkCID := calculateCID(chunk)
		chunkCIDs[i] = chunkCID
		if err := s.uploadChunk(ctx, chunkCID, chunk); err != nil {
			return nil, fmt.Errorf("payload: upload chunk %d: %w", i, err)
		}
	}

	info := &Info{
		CID:        cid,
		Size:       int64(len(data)),
		Chunks:     chunkCIDs,
		MerkleRoot: merkleRoot,
		Uploaded:   time.Now(),
		Metadata:   metadata,
	}

	if err := s.storeInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("payload: store metadata: %w", err)
	}

	log.Printf("payload: stored %s (%d bytes, %d chunks)", cid, len(data), len(chunks))
	return info, nil
}

// Retrieve downloads and reassembles a previously stored payload,
// verifying its Merkle root before returning.
func (s *Store) Retrieve(ctx context.Context, cid string) (io.ReadCloser, error) {
	info, err := s.GetInfo(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("payload: get info: %w", err)
	}

	chunks := make([][]byte, len(info.Chunks))
	for i, chunkCID := range info.Chunks {
		chunk, err := s.downloadChunk(ctx, chunkCID)
		if err != nil {
			return nil, fmt.Errorf("payload: download chunk %d: %w", i, err)
		}
		chunks[i] = chunk
	}

	if computeMerkleRoot(chunks) != info.MerkleRoot {
		return nil, fmt.Errorf("payload: merkle root mismatch for %s", cid)
	}

	var data []byte
	for _, chunk := range chunks {
		data = append(data, chunk...)
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

// Exists reports whether a CID has been stored.
func (s *Store) Exists(ctx context.Context, cid string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, metadataKey(cid), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetInfo fetches and deserializes a CID's stored metadata.
func (s *Store) GetInfo(ctx context.Context, cid string) (*Info, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, metadataKey(cid), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("payload: unmarshal metadata for %s: %w", cid, err)
	}
	return &info, nil
}

// Delete removes a payload's chunks and metadata.
func (s *Store) Delete(ctx context.Context, cid string) error {
	info, err := s.GetInfo(ctx, cid)
	if err != nil {
		return err
	}

	for _, chunkCID := range info.Chunks {
		if err := s.client.RemoveObject(ctx, s.bucket, chunkKey(chunkCID), minio.RemoveObjectOptions{}); err != nil {
			log.Printf("payload: failed to delete chunk %s: %v", chunkCID, err)
		}
	}

	if err := s.client.RemoveObject(ctx, s.bucket, metadataKey(cid), minio.RemoveObjectOptions{}); err != nil {
		return err
	}
	log.Printf("payload: deleted %s", cid)
	return nil
}

// List returns the metadata of every stored payload whose CID begins
// with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]*Info, error) {
	var infos []*Info
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "metadata/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("payload: list objects: %w", obj.Err)
		}
		cid := strings.TrimSuffix(path.Base(obj.Key), ".json")
		if !strings.HasPrefix(cid, prefix) {
			continue
		}
		info, err := s.GetInfo(ctx, cid)
		if err != nil {
			return nil, fmt.Errorf("payload: get info for %s: %w", cid, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func calculateCID(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func chunkData(data []byte) ([][]byte, string) {
	var chunks [][]byte
	size := int64(len(data))
	for offset := int64(0); offset < size; offset += chunkSize {
		end := offset + chunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, data[offset:end])
	}
	return chunks, computeMerkleRoot(chunks)
}

func computeMerkleRoot(chunks [][]byte) string {
	if len(chunks) == 0 {
		return ""
	}

	hashes := make([]string, len(chunks))
	for i, chunk := range chunks {
		hashes[i] = calculateCID(chunk)
	}

	for len(hashes) > 1 {
		var next []string
		for i := 0; i < len(hashes); i += 2 {
			if i+1 < len(hashes) {
				hash := sha256.Sum256([]byte(hashes[i] + hashes[i+1]))
				next = append(next, hex.EncodeToString(hash[:]))
			} else {
				next = append(next, hashes[i])
			}
		}
		hashes = next
	}
	return hashes[0]
}

func (s *Store) uploadChunk(ctx context.Context, cid string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, chunkKey(cid), strings.NewReader(string(data)), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (s *Store) downloadChunk(ctx context.Context, cid string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, chunkKey(cid), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (s *Store) storeInfo(ctx context.Context, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("payload: marshal metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, metadataKey(info.CID), strings.NewReader(string(data)), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func chunkKey(cid string) string {
	return path.Join("chunks", cid[:2], cid[2:4], cid)
}

func metadataKey(cid string) string {
	return path.Join("metadata", cid[:2], cid[2:4], cid+".json")
}
