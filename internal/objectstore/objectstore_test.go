package objectstore

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"recipe-ingestion/internal/models"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeShrinksLongEdge(t *testing.T) {
	out, format, err := Normalize(pngBytes(t, 400, 100), 200)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if format != imaging.PNG {
		t.Fatalf("png input should stay png, got %v", format)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 50 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	if _, _, err := Normalize([]byte("not an image"), 100); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLocalPutAndDataURL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := newStore(&localBackend{baseDir: dir}, 1024*1024)

	ref, err := st.Put(ctx, "../u1", 2, pngBytes(t, 10, 10))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.Kind != KindLocal || ref.Index != 2 || !strings.HasPrefix(ref.Value, "recipes/u1/") {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, ref.Value)); err != nil {
		t.Fatalf("file not written: %v", err)
	}
	url, err := st.ImageURL(ctx, ref)
	if err != nil {
		t.Fatalf("image url: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("expected png data url, got %.40s", url)
	}
	if _, err := st.ImageURL(ctx, models.ImageRef{Kind: KindS3, Value: "s3://b/k"}); err == nil {
		t.Fatal("s3 refs must fail without a bucket")
	}
}

func TestPutEnforcesSizeCap(t *testing.T) {
	st := newStore(&localBackend{baseDir: t.TempDir()}, 16)
	if _, err := st.Put(context.Background(), "u1", 0, pngBytes(t, 10, 10)); err == nil {
		t.Fatal("expected ErrTooLarge")
	}
}

func TestURLRefsPassThrough(t *testing.T) {
	st := newStore(&localBackend{baseDir: t.TempDir()}, 0)
	got, err := st.ImageURL(context.Background(), models.ImageRef{Kind: KindURL, Value: "https://cdn.example.com/a.jpg"})
	if err != nil || got != "https://cdn.example.com/a.jpg" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if _, err := st.ImageURL(context.Background(), models.ImageRef{Kind: KindURL, Value: "file:///etc/passwd"}); err == nil {
		t.Fatal("non-http url must be refused")
	}
}

func TestS3Presign(t *testing.T) {
	client := s3.New(s3.Options{
		Region: "us-east-1",
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil
		}),
	})
	st := newStore(newS3Backend(client, "recipes", 0), 0)
	url, err := st.ImageURL(context.Background(), models.ImageRef{Kind: KindS3, Value: "s3://recipes/u1/a.jpg"})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "u1/a.jpg") || !strings.Contains(url, "X-Amz-Signature=") {
		t.Fatalf("unexpected presigned url %s", url)
	}
}

func TestValidRef(t *testing.T) {
	cases := map[models.ImageRef]bool{
		{Kind: KindS3, Value: "s3://bucket/key.jpg"}: true,
		{Kind: KindS3, Value: "bucket/key.jpg"}:      false,
		{Kind: KindURL, Value: "https://x.test/a"}:   true,
		{Kind: KindLocal, Value: "../etc/passwd"}:    false,
		{Kind: "ftp", Value: "ftp://x"}:              false,
	}
	for ref, want := range cases {
		if got := ValidRef(ref); got != want {
			t.Fatalf("ValidRef(%+v) = %v, want %v", ref, got, want)
		}
	}
}
