// Package artifacts manages the session artifact bucket: listing files a
// session produced, minting presigned upload slots for clients, persisting
// the proxy's final audit record and serving context profile downloads to
// launching containers.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

// presignTTL bounds every presigned URL this package hands out.
const presignTTL = 15 * time.Minute

// S3API is the slice of the S3 client used for listings.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// PresignAPI is the slice of the S3 presign client used for URL minting.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Uploader is the slice of the S3 transfer manager used for direct writes.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Artifact is one downloadable session file.
type Artifact struct {
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	URL       string `json:"url"`
}

// Store wraps artifact bucket access.
type Store struct {
	client   S3API
	presign  PresignAPI
	uploader Uploader
	bucket   string
	log      *logrus.Entry
}

// New builds an artifact store for the given bucket.
func New(client S3API, presign PresignAPI, uploader Uploader, bucket string, log *logrus.Entry) *Store {
	return &Store{client: client, presign: presign, uploader: uploader, bucket: bucket, log: log}
}

func uploadsPrefix(sessionID string) string {
	return fmt.Sprintf("sessions/%s/uploads/", sessionID)
}

func auditKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/audit/proxy-final.json", sessionID)
}

// ProfileKey is the bucket location of a context's browser profile tarball.
func ProfileKey(projectID, contextID string) string {
	return fmt.Sprintf("contexts/%s/%s/profile.tar.gz", projectID, contextID)
}

// List returns the session's uploaded artifacts, each with a presigned
// download URL.
func (s *Store) List(ctx context.Context, sessionID string) ([]Artifact, error) {
	prefix := uploadsPrefix(sessionID)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}

	var artifacts []Artifact
	for {
		out, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, errdefs.Transient("s3.ListObjectsV2", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			}, s3.WithPresignExpires(presignTTL))
			if err != nil {
				return nil, fmt.Errorf("presign %s: %w", key, err)
			}

			a := Artifact{
				FileName: path.Base(key),
				Size:     aws.ToInt64(obj.Size),
				URL:      req.URL,
			}
			if obj.LastModified != nil {
				a.UpdatedAt = session.FormatTime(*obj.LastModified)
			}
			artifacts = append(artifacts, a)
		}
		if !aws.ToBool(out.IsTruncated) {
			return artifacts, nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}

// UploadURL mints a presigned PUT for one file in the session's upload area.
func (s *Store) UploadURL(ctx context.Context, sessionID, fileName string) (*Artifact, error) {
	if fileName == "" || strings.ContainsAny(fileName, "/\\") {
		return nil, errdefs.Validation("fileName", "must be a bare file name")
	}

	key := uploadsPrefix(sessionID) + fileName
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return nil, fmt.Errorf("presign upload %s: %w", key, err)
	}
	return &Artifact{FileName: fileName, URL: req.URL}, nil
}

// PutAuditRecord writes the proxy's final audit document for the session.
func (s *Store) PutAuditRecord(ctx context.Context, sessionID string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(auditKey(sessionID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errdefs.Transient("s3.Upload", err)
	}
	s.log.WithField("sessionId", sessionID).Info("audit record stored")
	return nil
}

// ProfileURL mints a presigned download of a context profile for a launching
// container.
func (s *Store) ProfileURL(ctx context.Context, storageKey string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storageKey),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign profile %s: %w", storageKey, err)
	}
	return req.URL, nil
}
