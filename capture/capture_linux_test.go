//go:build linux

package capture

import (
	"testing"

	"go2tv.app/pwgrab/internal/pipewire"
)

func TestBridgeOfferPlumbsValues(t *testing.T) {
	offer := buildOffer(30)
	got := bridgeOffer(offer)

	if len(got.Formats) != len(offer.Formats) {
		t.Fatalf("bridge offer carries %d formats, want %d", len(got.Formats), len(offer.Formats))
	}
	if got.Formats[0] != pipewire.FormatRGB {
		t.Errorf("first bridge format = %v, want RGB (preference order preserved)", got.Formats[0])
	}
	for i, f := range offer.Formats {
		want, ok := bridgeFormat(f)
		if !ok {
			t.Fatalf("offer format %s has no bridge mapping", f)
		}
		if got.Formats[i] != want {
			t.Errorf("bridge format[%d] = %v, want %v", i, got.Formats[i], want)
		}
	}

	if got.SizeDefault != (pipewire.Rect{Width: 128, Height: 128}) {
		t.Errorf("bridge default size = %+v, want 128x128", got.SizeDefault)
	}
	if got.SizeMin != (pipewire.Rect{Width: 1, Height: 1}) {
		t.Errorf("bridge min size = %+v, want 1x1", got.SizeMin)
	}
	if got.SizeMax != (pipewire.Rect{Width: 4096, Height: 4096}) {
		t.Errorf("bridge max size = %+v, want 4096x4096", got.SizeMax)
	}

	if got.Rate != (pipewire.Fraction{Num: 30, Denom: 1}) {
		t.Errorf("bridge rate = %+v, want 30/1", got.Rate)
	}
	if got.RateMin != (pipewire.Fraction{Num: 0, Denom: 1}) || got.RateMax != (pipewire.Fraction{Num: 1000, Denom: 1}) {
		t.Errorf("bridge rate bounds = %+v..%+v, want 0/1..1000/1", got.RateMin, got.RateMax)
	}

	if !got.WantHeaderMeta {
		t.Error("bridge offer must keep the header metadata request")
	}
}

func TestBridgeFormatRoundTrip(t *testing.T) {
	for _, p := range offerFormats {
		v, ok := bridgeFormat(p)
		if !ok {
			t.Fatalf("offered format %s has no bridge mapping", p)
		}
		if back := pixelFormatFromBridge(v); back != p {
			t.Errorf("format %s maps to %v and back to %s", p, v, back)
		}
	}
}
