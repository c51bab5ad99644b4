package crdt

// Content entities carry a fixed, compile-time-known set of fields and
// ordered collections per kind. Schema evolution is additive and lives
// outside this engine.

type entitySchema struct {
	fields map[string]struct{}
	lists  map[string]struct{}
}

func schemaOf(names []string, lists []string) entitySchema {
	s := entitySchema{fields: make(map[string]struct{}, len(names)), lists: make(map[string]struct{}, len(lists))}
	for _, n := range names {
		s.fields[n] = struct{}{}
	}
	for _, n := range lists {
		s.lists[n] = struct{}{}
	}
	return s
}

const (
	EntityShow    = "show"
	EntitySong    = "song"
	EntitySetlist = "setlist"
	EntityPhoto   = "photo"
	EntityGallery = "gallery"
	EntityVideo   = "video"
	EntityPost    = "post"
)

var entitySchemas = map[string]entitySchema{
	EntityShow: schemaOf(
		[]string{"title", "venue", "address", "date", "startTime", "ticketUrl", "description", "status"},
		nil),
	EntitySong: schemaOf(
		[]string{"title", "artist", "genres", "durationSeconds", "isOriginal", "musicalKey", "notes"},
		nil),
	EntitySetlist: schemaOf(
		[]string{"showId", "name", "notes"},
		[]string{"songIds"}),
	EntityPhoto: schemaOf(
		[]string{"filename", "urlFull", "urlThumb", "altText", "caption", "tags"},
		nil),
	EntityGallery: schemaOf(
		[]string{"title", "description", "coverPhotoId", "visibility"},
		[]string{"photoIds"}),
	EntityVideo: schemaOf(
		[]string{"title", "url", "source", "description"},
		nil),
	EntityPost: schemaOf(
		[]string{"title", "slug", "body", "status"},
		nil),
}
