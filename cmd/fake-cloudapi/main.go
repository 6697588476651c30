// Command fake-cloudapi is a local stand-in for the WhatsApp Cloud API
// messages endpoint, for exercising courierd without provider credentials.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
)

const (
	maxBodyBytes = 16 << 10
	failSuffix   = "FAIL"
)

var addr = flag.String("addr", ":9095", "HTTP listen address")

type textPayload struct {
	Body string `json:"body"`
}

type messageRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             textPayload `json:"text"`
}

type messageID struct {
	ID string `json:"id"`
}

type messageResponse struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []messageID `json:"messages"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

var sequence atomic.Int64

func main() {
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleMessages)

	log.Printf("listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

func handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/messages") {
		http.NotFound(w, r)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeError(w, http.StatusUnauthorized, apiError{
			Message: "Invalid OAuth access token.",
			Type:    "OAuthException",
			Code:    190,
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	var req messageRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apiError{
			Message: "Invalid parameter",
			Type:    "OAuthException",
			Code:    100,
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, apiError{
			Message: "Invalid parameter",
			Type:    "OAuthException",
			Code:    100,
		})
		return
	}

	if req.MessagingProduct != "whatsapp" || req.Type != "text" {
		writeError(w, http.StatusBadRequest, apiError{
			Message: "Unsupported message type",
			Type:    "OAuthException",
			Code:    100,
		})
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeError(w, http.StatusBadRequest, apiError{
			Message: "Recipient phone number not valid",
			Type:    "OAuthException",
			Code:    131026,
		})
		return
	}
	if strings.HasSuffix(req.Text.Body, failSuffix) {
		writeError(w, http.StatusInternalServerError, apiError{
			Message: "Something went wrong",
			Type:    "OAuthException",
			Code:    131000,
		})
		return
	}

	n := sequence.Add(1)
	writeJSON(w, http.StatusOK, messageResponse{
		MessagingProduct: "whatsapp",
		Messages:         []messageID{{ID: fmt.Sprintf("wamid.fake%06d", n)}},
	})
}

func writeError(w http.ResponseWriter, status int, apiErr apiError) {
	writeJSON(w, status, errorResponse{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode response: %v", err)
	}
}
