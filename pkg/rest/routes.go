package rest

import (
	"github.com/gorilla/mux"

	"github.com/mailsink/mailsink/pkg/server/web"
)

// SetupRoutes populates the routes for the REST interface
func SetupRoutes(r *mux.Router) {
	r.Path("/messages").Handler(
		web.Handler(MessageList)).Name("MessageList").Methods("GET")
	r.Path("/messages").Handler(
		web.Handler(MessagePurge)).Name("MessagePurge").Methods("DELETE")
	r.Path("/messages/search").Handler(
		web.Handler(MessageSearch)).Name("MessageSearch").Methods("GET")
	r.Path("/messages/{id:[0-9]+}.json").Handler(
		web.Handler(MessageShow)).Name("MessageShow").Methods("GET")
	r.Path("/messages/{id:[0-9]+}.source").Handler(
		web.Handler(MessageSource)).Name("MessageSource").Methods("GET")
	r.Path("/messages/{id:[0-9]+}/parts").Handler(
		web.Handler(MessageParts)).Name("MessageParts").Methods("GET")
	r.Path("/messages/{id:[0-9]+}/attachments").Handler(
		web.Handler(MessageAttachments)).Name("MessageAttachments").Methods("GET")
	r.Path("/messages/{id:[0-9]+}/transcript.json").Handler(
		web.Handler(MessageTranscript)).Name("MessageTranscript").Methods("GET")
	r.Path("/messages/{id:[0-9]+}").Handler(
		web.Handler(MessageDelete)).Name("MessageDelete").Methods("DELETE")
	r.Path("/transcripts.json").Handler(
		web.Handler(TranscriptList)).Name("TranscriptList").Methods("GET")
	r.Path("/events").Handler(
		web.Handler(EventFeed)).Name("EventFeed").Methods("GET")
}
