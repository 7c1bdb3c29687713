package googleplay

import (
	"context"
	"testing"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

type fakeSession struct {
	details *Details
	got     Profile
}

func (f *fakeSession) Details(_ context.Context, id string, p Profile) (*Details, error) {
	f.got = p
	if id != "com.example.store" {
		return nil, apkpackage.Errorf(apkpackage.NotFound, "unknown app %s", id)
	}
	return f.details, nil
}

func bundle() *Details {
	return &Details{
		Version:     "7.3",
		VersionCode: 73,
		Base:        Delivery{URL: "https://play.example.org/base", Size: 10},
		Splits: []Delivery{
			{Name: "config.arm64_v8a", URL: "https://play.example.org/arm64"},
			{Name: "config.xxhdpi", URL: "https://play.example.org/xxhdpi"},
		},
		Expansions: []Delivery{{Name: "main", URL: "https://play.example.org/obb"}},
	}
}

func TestResolveSplitBundle(t *testing.T) {
	fs := &fakeSession{details: bundle()}
	p := New(fs)

	_, err := p.Resolve(context.Background(), "com.example.store", apkpackage.Latest, nil)
	if !apkpackage.IsKind(err, apkpackage.InvalidRequest) {
		t.Fatalf("split delivery without split_apk: expected InvalidRequest, got %v", err)
	}

	opts := map[string]string{"split_apk": "1", "device": "px_9", "timezone": "UTC"}
	desc, err := p.Resolve(context.Background(), "com.example.store", apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !desc.IsSplit() || len(desc.Auxiliary) != 2 || desc.Primary.Name != "base.apk" {
		t.Errorf("descriptor = %+v", desc)
	}
	if fs.got.Device != "px_9" || fs.got.Locale != DefaultLocale || fs.got.Timezone != "UTC" {
		t.Errorf("profile = %+v", fs.got)
	}

	opts["include_additional_files"] = "true"
	desc, err = p.Resolve(context.Background(), "com.example.store", apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	last := desc.Auxiliary[len(desc.Auxiliary)-1]
	if last.Role != apkpackage.Expansion || last.Name != "main.73.com.example.store.obb" {
		t.Errorf("expansion file = %+v", last)
	}
}

func TestResolveMonolithic(t *testing.T) {
	d := bundle()
	d.Splits, d.Expansions = nil, nil
	p := New(&fakeSession{details: d})

	desc, err := p.Resolve(context.Background(), "com.example.store", apkpackage.Exact("7.3"), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desc.IsSplit() || desc.Primary.Name != "com.example.store.apk" {
		t.Errorf("descriptor = %+v", desc)
	}
	if _, err := p.Resolve(context.Background(), "com.example.store", apkpackage.Exact("7.0"), nil); !apkpackage.IsKind(err, apkpackage.VersionNotFound) {
		t.Errorf("expected VersionNotFound, got %v", err)
	}
	if _, err := p.Resolve(context.Background(), "com.example.other", apkpackage.Latest, nil); !apkpackage.IsKind(err, apkpackage.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestUnconfiguredSession(t *testing.T) {
	_, err := New(nil).ListVersions(context.Background(), "com.example.store", nil)
	if !apkpackage.IsKind(err, apkpackage.SourceUnavailable) {
		t.Fatalf("expected SourceUnavailable, got %v", err)
	}
}
