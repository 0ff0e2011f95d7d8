package dsp

// Feature query strings. A build of the engine advertises the codecs and
// capture drivers it was compiled with.
const (
	FeatureCodecVorbis = "+codec-vorbis"
	FeatureCodecOpus   = "+codec-opus"
	FeatureDriverNull  = "+driver-null"
	FeatureDriverSine  = "+driver-sine"
	FeatureDriverStdio = "+driver-stdio"
)

var features = []string{
	FeatureCodecVorbis,
	FeatureCodecOpus,
	FeatureDriverNull,
	FeatureDriverSine,
	FeatureDriverStdio,
}

// Features returns the feature strings of this build.
func Features() []string {
	out := make([]string, len(features))
	copy(out, features)
	return out
}

// HaveFeature reports whether the build advertises the given feature.
func HaveFeature(q string) bool {
	for _, f := range features {
		if f == q {
			return true
		}
	}
	return false
}
