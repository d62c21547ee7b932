package domain

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// VideoConstraints mirror what a browser capture request would ask for.
type VideoConstraints struct {
	MinWidth   int
	MaxWidth   int
	MinHeight  int
	FrameRate  float64
	FacingMode string
}

func DefaultVideoConstraints() VideoConstraints {
	return VideoConstraints{
		MinWidth:   320,
		MaxWidth:   1280,
		MinHeight:  180,
		FrameRate:  25,
		FacingMode: "user",
	}
}

// Capabilities is the capture request for the local media session.
// Each flag can be toggled independently at any time.
type Capabilities struct {
	Audio bool
	Video bool

	VideoConstraints VideoConstraints
}

func DefaultCapabilities() Capabilities {
	return Capabilities{
		Audio:            true,
		Video:            true,
		VideoConstraints: DefaultVideoConstraints(),
	}
}

func (c Capabilities) WithAudio(on bool) Capabilities {
	c.Audio = on
	return c
}

func (c Capabilities) WithVideo(on bool) Capabilities {
	c.Video = on
	return c
}

func (c Capabilities) Kinds() []MediaKind {
	kinds := make([]MediaKind, 0, 2)
	if c.Audio {
		kinds = append(kinds, MediaAudio)
	}
	if c.Video {
		kinds = append(kinds, MediaVideo)
	}
	return kinds
}
