package messaging

import (
	"bytes"
	"context"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 90, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func TestImagePipeline_Check(t *testing.T) {
	p := ImagePipeline{MaxBytes: 1 << 20}
	data := pngOf(t, 4, 4)

	require.NoError(t, p.Check(data, "image/png"))
	require.NoError(t, p.Check(data, ""), "content type is sniffed")
	require.ErrorIs(t, p.Check(nil, "image/png"), ErrInvalidImage)
	require.ErrorIs(t, p.Check([]byte("plain text"), ""), ErrInvalidImage)
	require.ErrorIs(t, p.Check(data, "image/webp"), ErrInvalidImage)

	small := ImagePipeline{MaxBytes: 8}
	require.ErrorIs(t, small.Check(data, "image/png"), ErrInvalidImage)
}

func TestImagePipeline_PrepareFitsAndReencodes(t *testing.T) {
	p := ImagePipeline{MaxDimension: 64}
	out, contentType, err := p.Prepare(pngOf(t, 256, 128))
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", contentType)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 64, img.Bounds().Dx())
	require.Equal(t, 32, img.Bounds().Dy())

	_, _, err = p.Prepare([]byte("nope"))
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestLocalBlobStore_UploadAndDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocalBlobStore(dir, "http://localhost:8080/")

	url, err := store.Upload(ctx, "chats/chat-1/m1.jpg", []byte("jpeg bytes"), "image/jpeg")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost:8080/uploads/chats/chat-1/"+time.Now().UTC().Format("2006/01/02")))
	require.True(t, strings.HasSuffix(url, "-m1.jpg"))

	key := strings.TrimPrefix(url, "http://localhost:8080/uploads/")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	require.Equal(t, "jpeg bytes", string(data))

	require.NoError(t, store.Delete(ctx, url))
	require.NoError(t, store.Delete(ctx, url), "deleting twice is fine")
	require.Error(t, store.Delete(ctx, "https://elsewhere.example.com/x.jpg"))
	require.Error(t, store.Delete(ctx, "http://localhost:8080/uploads/../secret"))
}

func TestS3BlobStore_UploadAndDelete(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sess, err := awssession.NewSession(&aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String(srv.URL),
		S3ForcePathStyle: aws.Bool(true),
		Credentials:      credentials.NewStaticCredentials("test", "test", ""),
	})
	require.NoError(t, err)
	store := NewS3BlobStore(sess, "chat-media", "https://cdn.example.com/")

	ctx := context.Background()
	url, err := store.Upload(ctx, "chat-1/photo.jpg", []byte("jpeg bytes"), "image/jpeg")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "https://cdn.example.com/chat-1/"), url)
	require.True(t, strings.HasSuffix(url, "-photo.jpg"), url)

	key := strings.TrimPrefix(url, "https://cdn.example.com/")
	require.NoError(t, store.Delete(ctx, url))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"PUT /chat-media/" + key, "DELETE /chat-media/" + key}, calls)
}

func TestCoordinator_SendImage(t *testing.T) {
	ctx := context.Background()
	b := seedBackend(t)
	deps := depsFor(b)
	deps.Blobs = NewLocalBlobStore(t.TempDir(), "http://cdn.test")
	c := NewChatSessionCoordinator("me", deps, CoordinatorConfig{Images: ImagePipeline{MaxDimension: 32}})
	t.Cleanup(c.Shutdown)
	require.NoError(t, c.Open(ctx, "chat-1"))

	m, err := c.SendImage(ctx, pngOf(t, 100, 100), "image/png", " look ")
	require.NoError(t, err)
	require.Equal(t, StatusSent, m.Status)
	require.Equal(t, KindImage, m.Kind)
	require.Equal(t, "look", m.Body)
	require.True(t, strings.HasPrefix(m.ImageURL, "http://cdn.test/uploads/chats/chat-1/"))
	require.True(t, strings.HasSuffix(m.ImageURL, m.ID+".jpg"))

	stored, ok := c.Store().Get(m.ID)
	require.True(t, ok)
	require.Equal(t, m.ImageURL, stored.ImageURL)

	_, err = c.SendImage(ctx, []byte("text"), "text/plain", "")
	require.ErrorIs(t, err, ErrInvalidImage)
}
