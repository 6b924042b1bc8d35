package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

const multipartPageXML = `<?xml version="1.0" encoding="UTF-8"?>
<ListMultipartUploadsResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Bucket>ingest</Bucket><NextKeyMarker>%[1]s</NextKeyMarker><NextUploadIdMarker>%[2]s</NextUploadIdMarker><IsTruncated>%[3]t</IsTruncated><Upload><Key>%[1]s</Key><UploadId>%[2]s</UploadId></Upload></ListMultipartUploadsResult>`

// fakeMultipartS3 serves two pages of multipart uploads and denies the abort
// of upload u1.
type fakeMultipartS3 struct {
	mu      sync.Mutex
	aborted []string
}

func (f *fakeMultipartS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "application/xml")

	switch {
	case r.Method == http.MethodGet && q.Has("uploads"):
		if q.Get("key-marker") == "" {
			_, _ = fmt.Fprintf(w, multipartPageXML, "files/obj-1/a.bin", "u1", true)
			return
		}
		_, _ = fmt.Fprintf(w, multipartPageXML, "files/obj-1/a.bin", "u2", false)

	case r.Method == http.MethodDelete && q.Has("uploadId"):
		id := q.Get("uploadId")
		f.mu.Lock()
		f.aborted = append(f.aborted, id)
		f.mu.Unlock()

		if id == "u1" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `<Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestS3ObjectStore_AbortStaleMultipartUploadsPaginates(t *testing.T) {
	fake := &fakeMultipartS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:           "us-east-1",
		BaseEndpoint:     aws.String(srv.URL),
		UsePathStyle:     true,
		Credentials:      aws.AnonymousCredentials{},
		RetryMaxAttempts: 1,
	})
	st := NewS3ObjectStoreImpl(client, "ingest", logging.NewNopLogger())

	err := st.abortStaleMultipartUploads(context.Background(), finalPrefix("obj-1"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "abort multipart upload u1")
	require.NotContains(t, err.Error(), "u2")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, []string{"u1", "u2"}, fake.aborted)
}
