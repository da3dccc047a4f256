package engine

// ImageOptions describes one volume of a document
type ImageOptions struct {
	URL      string   `json:"url,omitempty"`
	Name     string   `json:"name,omitempty"`
	Colormap string   `json:"colormap,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`
	CalMin   *float64 `json:"cal_min,omitempty"`
	CalMax   *float64 `json:"cal_max,omitempty"`
	Frame4D  int      `json:"frame4D,omitempty"`
}

// MeshOptions describes one mesh layer of a document
type MeshOptions struct {
	URL     string   `json:"url,omitempty"`
	Name    string   `json:"name,omitempty"`
	RGBA255 [4]int   `json:"rgba255,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
}

// Document is the engine's native serialized scene.
//
// EncodedImageBlobs is index-aligned with ImageOptionsArray; an empty entry means the
// volume is referenced by URL only.
type Document struct {
	Title              string         `json:"title,omitempty"`
	ImageOptionsArray  []ImageOptions `json:"imageOptionsArray,omitempty"`
	EncodedImageBlobs  []string       `json:"encodedImageBlobs,omitempty"`
	MeshOptionsArray   []MeshOptions  `json:"meshOptionsArray,omitempty"`
	EncodedDrawingBlob string         `json:"encodedDrawingBlob,omitempty"`
	Opts               *Options       `json:"opts,omitempty"`
}

// Float returns a pointer to v, for the optional numeric fields of ImageOptions
func Float(v float64) *float64 {
	return &v
}
