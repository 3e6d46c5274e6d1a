package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// CollabApi talks to the room server's http surface, which sits next
// to the websocket endpoint: invites and status.
type CollabApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string
}

func NewCollabApi(apiUrl string) *CollabApi {
	return NewCollabApiWithContext(context.Background(), apiUrl)
}

func NewCollabApiWithContext(ctx context.Context, apiUrl string) *CollabApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CollabApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *CollabApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

type CreateInviteCallback apiCallback[*CreateInviteResult]

type CreateInviteArgs struct {
	RoomId     string `json:"room_id"`
	Role       Role   `json:"role,omitempty"`
	TtlSeconds int    `json:"ttl_seconds,omitempty"`
}

type CreateInviteResult struct {
	InviteToken string             `json:"invite_token,omitempty"`
	ExpireTime  time.Time          `json:"expire_time,omitempty"`
	Error       *CreateInviteError `json:"error,omitempty"`
}

type CreateInviteError struct {
	Message string `json:"message"`
}

func (self *CollabApi) CreateInvite(createInvite *CreateInviteArgs, callback CreateInviteCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/rooms/%s/invites", self.apiUrl, createInvite.RoomId),
		createInvite,
		self.authToken,
		&CreateInviteResult{},
		callback,
	)
}

func (self *CollabApi) CreateInviteSync(createInvite *CreateInviteArgs) (*CreateInviteResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/rooms/%s/invites", self.apiUrl, createInvite.RoomId),
		createInvite,
		self.authToken,
		&CreateInviteResult{},
		NewNoopApiCallback[*CreateInviteResult](),
	)
}

type RoomStatusCallback apiCallback[*RoomStatusResult]

type RoomStatusResult struct {
	RoomId       string  `json:"room_id"`
	Name         string  `json:"name,omitempty"`
	UserCount    int     `json:"user_count"`
	Users        []*User `json:"users,omitempty"`
	LockCount    int     `json:"lock_count"`
	MessageCount int     `json:"message_count"`
}

func (self *CollabApi) RoomStatus(roomId string, callback RoomStatusCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/rooms/%s/status", self.apiUrl, roomId),
		self.authToken,
		&RoomStatusResult{},
		callback,
	)
}

func (self *CollabApi) RoomStatusSync(roomId string) (*RoomStatusResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/rooms/%s/status", self.apiUrl, roomId),
		self.authToken,
		&RoomStatusResult{},
		NewNoopApiCallback[*RoomStatusResult](),
	)
}

type ServerStatusCallback apiCallback[*ServerStatusResult]

type ServerStatusResult struct {
	RoomCount   int       `json:"room_count"`
	ClientCount int       `json:"client_count"`
	StartTime   time.Time `json:"start_time"`
}

func (self *CollabApi) ServerStatus(callback ServerStatusCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/status", self.apiUrl),
		self.authToken,
		&ServerStatusResult{},
		callback,
	)
}

func (self *CollabApi) ServerStatusSync() (*ServerStatusResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/status", self.apiUrl),
		self.authToken,
		&ServerStatusResult{},
		NewNoopApiCallback[*ServerStatusResult](),
	)
}

func (self *CollabApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, authToken string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
