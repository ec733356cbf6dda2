package capture

// Bounds advertised to the stream backend. The size range
// and framerate ceiling match what compositor portal backends accept.
const (
	offerSizeDefault uint32 = 128
	offerSizeMin     uint32 = 1
	offerSizeMax     uint32 = 4096

	offerRateMax uint32 = 1000
)

// offerFormats is the fixed pixel layout preference list, best first.
var offerFormats = []PixelFormat{
	PixelFormatRGB,
	PixelFormatRGBA,
	PixelFormatRGBx,
	PixelFormatBGRx,
	PixelFormatBGRA,
	PixelFormatBGR,
	PixelFormatXBGR,
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  uint32
	Height uint32
}

// Fraction is a frame rate expressed as a rational number.
type Fraction struct {
	Num   uint32
	Denom uint32
}

// Offer is the set of acceptable stream parameters proposed to the
// stream backend before it settles a format.
type Offer struct {
	// Formats lists acceptable pixel layouts in preference order.
	Formats []PixelFormat

	SizeDefault Size
	SizeMin     Size
	SizeMax     Size

	Rate    Fraction
	RateMin Fraction
	RateMax Fraction

	// WantHeaderMeta requests a presentation-timestamp metadata block of
	// the backend's native header size on every buffer.
	WantHeaderMeta bool
}

// buildOffer assembles the stream offer for the requested frame rate. The
// rate numerator is clamped into the allowed [0, 1000] range; size bounds
// and the format preference list are fixed.
func buildOffer(fps uint32) Offer {
	if fps > offerRateMax {
		fps = offerRateMax
	}
	return Offer{
		Formats:        offerFormats,
		SizeDefault:    Size{Width: offerSizeDefault, Height: offerSizeDefault},
		SizeMin:        Size{Width: offerSizeMin, Height: offerSizeMin},
		SizeMax:        Size{Width: offerSizeMax, Height: offerSizeMax},
		Rate:           Fraction{Num: fps, Denom: 1},
		RateMin:        Fraction{Num: 0, Denom: 1},
		RateMax:        Fraction{Num: offerRateMax, Denom: 1},
		WantHeaderMeta: true,
	}
}
