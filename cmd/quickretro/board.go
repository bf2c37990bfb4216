package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/lithammer/shortuuid/v4"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/globals"
	"github.com/vijeeshr/quickretro/persistence"
	"github.com/vijeeshr/quickretro/store"
	"github.com/vijeeshr/quickretro/types"
	"github.com/vijeeshr/quickretro/wire"
)

type createBoardReq struct {
	Name                string              `json:"name"`
	Team                string              `json:"team"`
	Owner               string              `json:"owner"`
	Columns             []types.BoardColumn `json:"columns"`
	CfTurnstileResponse string              `json:"cfTurnstileResponse"`
}

type createBoardRes struct {
	Id string `json:"id"`
}

type getBoardRes struct {
	Id      string `json:"id"`
	Name    string `json:"name"`
	IsOwner bool   `json:"isOwner"`
}

// handleCreateBoard creates a new board and persists its initial snapshot.
// Board creation is the only upstream operation this service owns; the
// participant identity is whatever the caller supplies.
func handleCreateBoard(cfg *config.Config, persister persistence.Persister, w http.ResponseWriter, r *http.Request) {
	var req createBoardReq
	if err := decodeJSONBody(w, r, &req); err != nil {
		var mr *malformedRequest
		if errors.As(err, &mr) {
			http.Error(w, mr.msg, mr.status)
		} else {
			globals.AppLogger.Error("error parsing create board request", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}
	if req.Owner == "" {
		http.Error(w, "Owner missing", http.StatusBadRequest)
		return
	}

	if cfg.Server.TurnstileSecretKey != "" {
		if req.CfTurnstileResponse == "" {
			http.Error(w, "CAPTCHA verification required", http.StatusBadRequest)
			return
		}
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		valid, err := verifyTurnstile(cfg, req.CfTurnstileResponse, ip)
		if err != nil || !valid {
			globals.AppLogger.Warn("turnstile verification failed", "error", err, "ip", ip)
			http.Error(w, "CAPTCHA verification failed", http.StatusBadRequest)
			return
		}
	}

	columns, err := store.ValidateColumns(req.Columns)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	board := &types.Board{
		Id:              shortuuid.New(),
		Name:            req.Name,
		Team:            req.Team,
		Owner:           req.Owner,
		Status:          types.InProgress,
		Mask:            true,
		CreatedAtUtc:    now.Unix(),
		AutoDeleteAtUtc: now.Add(cfg.Retention.BoardTTL()).Unix(),
	}
	snap := &types.BoardSnapshot{
		Board:    board,
		Columns:  columns,
		Messages: make([]*types.Message, 0),
		Likes:    make(map[string][]string),
	}
	if err := persister.PutBoard(snap); err != nil {
		globals.AppLogger.Error("could not persist new board", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(createBoardRes{Id: board.Id})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(data)
}

// handleGetBoard returns board metadata plus whether the requesting user
// owns it.
func handleGetBoard(persister persistence.Persister, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	user := mux.Vars(r)["user"]
	if id == "" || user == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	snap, err := persister.GetBoard(id)
	if err != nil {
		if err == persistence.ErrNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		globals.AppLogger.Error("could not load board", "board", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(getBoardRes{Id: snap.Board.Id, Name: snap.Board.Name, IsOwner: user == snap.Board.Owner})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleRefreshMessages returns the message list projected for the given
// user over plain HTTP, so the frontend can recover after a missed
// broadcast without tearing down its websocket. Same projection rules as
// the register snapshot: liked/mine are viewer-relative, anonymous cards
// carry no nickname.
func handleRefreshMessages(persister persistence.Persister, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	user := mux.Vars(r)["user"]
	if id == "" || user == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	snap, err := persister.GetBoard(id)
	if err != nil {
		if err == persistence.ErrNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		globals.AppLogger.Error("could not load board", "board", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	boardStore := store.New(snap, 0)
	views := make([]wire.MessageResponse, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		views = append(views, boardStore.MessageView(m, user))
	}
	data, err := json.Marshal(views)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func verifyTurnstile(cfg *config.Config, token, remoteIP string) (bool, error) {
	verifyUrl := cfg.Server.TurnstileSiteVerifyUrl
	if verifyUrl == "" {
		verifyUrl = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	}
	data := url.Values{}
	data.Set("secret", cfg.Server.TurnstileSecretKey)
	data.Set("response", token)
	data.Set("remoteip", remoteIP)

	resp, err := http.PostForm(verifyUrl, data)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Success, nil
}

type malformedRequest struct {
	msg    string
	status int
}

func (mr *malformedRequest) Error() string {
	return mr.msg
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		return &malformedRequest{status: http.StatusUnsupportedMediaType, msg: "Content-Type header is not application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &malformedRequest{status: http.StatusBadRequest, msg: fmt.Sprintf("Request body could not be parsed: %s", err)}
	}
	return nil
}
