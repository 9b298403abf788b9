package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const login5URL = "https://login5.spotify.com/v3/login"

// login5Request exchanges stored credentials for a bearer access
// token via the same hashcash-challenge shape as ClientToken (spec.md
// §4.11: "Login5 uses a similar hashcash flow").
type login5Request struct {
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	StoredCredential []byte `json:"stored_credential,omitempty"`
	HashcashAnswer *struct {
		State          string `json:"state"`
		HashcashSuffix string `json:"hashcash_suffix"`
	} `json:"hashcash_answer,omitempty"`
}

type login5Response struct {
	OK    bool `json:"ok"`
	Error string `json:"error,omitempty"`
	AccessToken struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	} `json:"access_token,omitempty"`
	Challenges *struct {
		HashcashPrefix string `json:"hashcash_prefix"`
		HashcashLength int    `json:"hashcash_length"`
		State          string `json:"state"`
	} `json:"challenges,omitempty"`
}

// Login5Client exchanges stored credentials for a bearer access token.
type Login5Client struct {
	http     *http.Client
	clientID string
	debug    bool
}

// NewLogin5Client constructs a Login5 exchange client.
func NewLogin5Client(clientID string, debug bool) *Login5Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.Logger = nil
	return &Login5Client{http: c.StandardClient(), clientID: clientID, debug: debug}
}

func (c *Login5Client) logf(format string, args ...interface{}) {
	if c.debug {
		log.Printf("[AUTH] "+format, args...)
	}
}

// Exchange trades storedCredential for a bearer Token, solving up to
// maxHashcashAttempts hashcash challenges along the way.
func (c *Login5Client) Exchange(ctx context.Context, username string, storedCredential []byte) (Token, error) {
	req := login5Request{ClientID: c.clientID, Username: username, StoredCredential: storedCredential}

	resp, err := c.post(ctx, req)
	if err != nil {
		return Token{}, err
	}

	for attempt := 0; attempt < maxHashcashAttempts && resp.Challenges != nil; attempt++ {
		suffix, err := solveHashcash(resp.Challenges.HashcashPrefix, resp.Challenges.HashcashLength)
		if err != nil {
			return Token{}, err
		}
		c.logf("solved login5 hashcash on attempt %d", attempt+1)

		req.HashcashAnswer = &struct {
			State          string `json:"state"`
			HashcashSuffix string `json:"hashcash_suffix"`
		}{State: resp.Challenges.State, HashcashSuffix: suffix}

		resp, err = c.post(ctx, req)
		if err != nil {
			return Token{}, err
		}
	}

	if !resp.OK {
		return Token{}, fmt.Errorf("auth: login5 exchange failed: %s", resp.Error)
	}

	return Token{
		AccessToken: resp.AccessToken.Token,
		TokenType:   "Bearer",
		IssuedAt:    time.Now(),
		ExpiresIn:   time.Duration(resp.AccessToken.ExpiresIn) * time.Second,
	}, nil
}

func (c *Login5Client) post(ctx context.Context, body login5Request) (login5Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return login5Response{}, fmt.Errorf("auth: marshal login5 request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, login5URL, strings.NewReader(string(encoded)))
	if err != nil {
		return login5Response{}, fmt.Errorf("auth: build login5 request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return login5Response{}, fmt.Errorf("auth: login5 request: %w", err)
	}
	defer resp.Body.Close()

	var out login5Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return login5Response{}, fmt.Errorf("auth: decode login5 response: %w", err)
	}
	return out, nil
}
