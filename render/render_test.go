package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/c360studio/docbot/article"
	"github.com/c360studio/docbot/assets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func whitePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImagenGenerate(t *testing.T) {
	want := whitePNG(t, 4, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj/locations/us-central1/publishers/google/models/imagen-3.0-generate-001:predict", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req predictRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.Len(t, req.Instances, 1) {
			assert.Contains(t, req.Instances[0].Prompt, "iPhone")
			assert.Contains(t, req.Instances[0].Prompt, "Settings screen")
		}
		assert.Equal(t, "9:16", req.Parameters.AspectRatio)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]string{{
				"bytesBase64Encoded": base64.StdEncoding.EncodeToString(want),
				"mimeType":           "image/png",
			}},
		})
	}))
	defer server.Close()

	backend, err := NewImagen(context.Background(), ImagenConfig{ProjectID: "proj"},
		WithBaseURL(server.URL),
		WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})))
	require.NoError(t, err)

	got, err := backend.Generate(context.Background(), "Settings screen.", article.PlatformIOS)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestImagenErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"quota", http.StatusTooManyRequests, `{"error":"quota"}`, "status 429"},
		{"filtered", http.StatusOK, `{"predictions":[]}`, "no image generated"},
		{"garbage", http.StatusOK, `{`, "decode imagen response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			backend, err := NewImagen(context.Background(), ImagenConfig{ProjectID: "p"},
				WithBaseURL(server.URL),
				WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"})))
			require.NoError(t, err)

			_, err = backend.Generate(context.Background(), "x", article.PlatformAndroid)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := NewImagen(context.Background(), ImagenConfig{})
	assert.ErrorContains(t, err, "project_id")
}

func TestMockupPrompt(t *testing.T) {
	assert.Contains(t, MockupPrompt("Login form", article.PlatformAndroid), "Material Design")
	assert.Contains(t, MockupPrompt("Login form", article.PlatformIOS), "iPhone")
	assert.Contains(t, MockupPrompt(" Login form. ", ""), "smartphone. Login form. No watermark")
}

func TestOverlay(t *testing.T) {
	out, err := Overlay(whitePNG(t, 200, 100), "Step 1 - iOS")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), img.Bounds())

	top := color.RGBAModel.Convert(img.At(100, 10)).(color.RGBA)
	assert.Equal(t, uint8(255), top.R, "area above the bar is untouched")

	bar := color.RGBAModel.Convert(img.At(199, 99)).(color.RGBA)
	assert.Less(t, bar.R, uint8(128), "bar darkens the bottom edge")

	_, err = Overlay([]byte("not a png"), "x")
	assert.Error(t, err)
}

func TestFitText(t *testing.T) {
	assert.Equal(t, "short", fitText("short", 70, 7))
	assert.Equal(t, "abcdefg...", fitText("abcdefghijklmnop", 70, 7))
	assert.Equal(t, "", fitText("x", 0, 7))
}

type fakeBackend struct {
	data  []byte
	err   error
	calls []article.Platform
}

func (f *fakeBackend) Generate(_ context.Context, _ string, p article.Platform) ([]byte, error) {
	f.calls = append(f.calls, p)
	return f.data, f.err
}

func TestServiceRenderImage(t *testing.T) {
	store, err := assets.NewFS(t.TempDir())
	require.NoError(t, err)
	backend := &fakeBackend{data: whitePNG(t, 50, 50)}
	svc := NewService(backend, store, WithPlatformLabel(true))

	img, err := svc.RenderImage(context.Background(), article.ImageRequest{
		Namespace: "conv-1", Step: 3, Platform: article.PlatformAndroid, Prompt: "Profile screen",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, img.Step)
	assert.Equal(t, article.PlatformAndroid, img.Platform)
	assert.Equal(t, "step-3-android.png", img.Filename)
	assert.Equal(t, "conv-1/step-3-android.png", img.Location)
	assert.Equal(t, "Profile screen", img.Prompt)

	stored, err := assets.ReadAll(context.Background(), store, img.Location)
	require.NoError(t, err)
	assert.NotEqual(t, backend.data, stored, "label applied")
}

func TestServiceRenderImageErrors(t *testing.T) {
	store, err := assets.NewFS(t.TempDir())
	require.NoError(t, err)

	svc := NewService(&fakeBackend{err: errors.New("quota exceeded")}, store)
	_, err = svc.RenderImage(context.Background(), article.ImageRequest{Step: 1, Platform: article.PlatformIOS, Prompt: "x"})
	assert.ErrorContains(t, err, "quota exceeded")

	_, err = svc.RenderImage(context.Background(), article.ImageRequest{Step: 1, Platform: article.PlatformBoth, Prompt: "x"})
	assert.ErrorContains(t, err, "cannot render")

	_, err = svc.RenderImage(context.Background(), article.ImageRequest{Step: 1, Platform: article.PlatformIOS})
	assert.ErrorContains(t, err, "prompt is required")
}

func TestServiceKeepsUnlabeledOnOverlayFailure(t *testing.T) {
	store, err := assets.NewFS(t.TempDir())
	require.NoError(t, err)
	svc := NewService(&fakeBackend{data: []byte("jpeg?")}, store, WithPlatformLabel(true))

	img, err := svc.RenderImage(context.Background(), article.ImageRequest{Step: 1, Platform: article.PlatformIOS, Prompt: "x"})
	require.NoError(t, err)

	stored, err := assets.ReadAll(context.Background(), store, img.Location)
	require.NoError(t, err)
	assert.Equal(t, "jpeg?", string(stored))
}

func TestServiceDisabledBackend(t *testing.T) {
	store, err := assets.NewFS(t.TempDir())
	require.NoError(t, err)

	svc := NewService(Disabled{}, store)
	_, err = svc.RenderImage(context.Background(), article.ImageRequest{Step: 2, Platform: article.PlatformAndroid, Prompt: "x"})
	assert.ErrorIs(t, err, ErrDisabled)
}
