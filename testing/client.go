package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
)

const keyFilePattern = "signer_key_%d.hex"

// Signer signs request payloads with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
}

// RPCMessage mirrors the server's frame shape: a request plus hex
// signatures over its array form.
type RPCMessage struct {
	Req *RPCData `json:"req,omitempty"`
	Sig []string `json:"sig"`
}

// RPCData marshals to the wire array [request_id, method, params, ts].
type RPCData struct {
	RequestID uint64 `json:"request_id"`
	Method    string `json:"method"`
	Params    []any  `json:"params"`
	Timestamp uint64 `json:"ts"`
}

func (m RPCData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		m.RequestID,
		m.Method,
		m.Params,
		m.Timestamp,
	})
}

// NewSigner builds a signer from a hex private key, 0x prefix optional.
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Signer{privateKey: privateKey}, nil
}

// Sign signs the Keccak256 hash of data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	return s.SignDigest(crypto.Keccak256(data))
}

// SignDigest signs a 32-byte digest, normalizing the recovery byte to
// the 27/28 convention the server expects.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Address returns the identity derived from the signer's public key.
func (s *Signer) Address() string {
	publicKey := s.privateKey.Public().(*ecdsa.PublicKey)
	return crypto.PubkeyToAddress(*publicKey).Hex()
}

func savePrivateKey(key *ecdsa.PrivateKey, path string) error {
	keyHex := strings.TrimPrefix(hexutil.Encode(crypto.FromECDSA(key)), "0x")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(keyHex), 0600)
}

func loadSignerFromFile(path string) (*Signer, error) {
	keyHex, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewSigner(string(keyHex))
}

// signerSet is the numbered signer keys found in the working directory.
type signerSet struct {
	byNumber map[int]*Signer
}

func (ss *signerSet) numbers() []int {
	nums := make([]int, 0, len(ss.byNumber))
	for n := range ss.byNumber {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

func (ss *signerSet) all() []*Signer {
	signers := make([]*Signer, 0, len(ss.byNumber))
	for _, n := range ss.numbers() {
		signers = append(signers, ss.byNumber[n])
	}
	return signers
}

// pick resolves a comma-separated list of signer numbers, or every
// signer when the list is empty.
func (ss *signerSet) pick(selection string) []*Signer {
	if selection == "" {
		for _, n := range ss.numbers() {
			fmt.Printf("Using signer #%d: %s\n", n, ss.byNumber[n].Address())
		}
		return ss.all()
	}

	var signers []*Signer
	for _, numStr := range strings.Split(selection, ",") {
		num, err := strconv.Atoi(strings.TrimSpace(numStr))
		if err != nil {
			log.Fatalf("Error parsing signer number '%s': %v", numStr, err)
		}
		signer, ok := ss.byNumber[num]
		if !ok {
			log.Fatalf("Signer #%d not found", num)
		}
		fmt.Printf("Using signer #%d: %s\n", num, signer.Address())
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		log.Fatalf("No valid signers specified")
	}
	return signers
}

// discoverSigners loads every signer_key_N.hex in dir.
func discoverSigners(dir string) *signerSet {
	files, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("Error reading directory: %v", err)
	}

	ss := &signerSet{byNumber: make(map[int]*Signer)}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, "signer_key_") || !strings.HasSuffix(name, ".hex") {
			continue
		}

		num, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "signer_key_"), ".hex"))
		if err != nil {
			log.Printf("Warning: Could not parse signer number from %s: %v", name, err)
			continue
		}

		signer, err := loadSignerFromFile(filepath.Join(dir, name))
		if err != nil {
			log.Printf("Warning: Error loading key %s: %v", name, err)
			continue
		}

		ss.byNumber[num] = signer
		fmt.Printf("Found signer #%d: %s from %s\n", num, signer.Address(), name)
	}
	return ss
}

// Client drives one WebSocket session against the server.
type Client struct {
	conn          *websocket.Conn
	signers       []*Signer
	authSigner    *Signer
	noSignatures  bool
	noAuth        bool
	jwt           string
	nextRequestID uint64
}

// NewClient dials the server and prepares a session.
func NewClient(serverURL string, authSigner *Signer, noSignatures, noAuth bool, jwt string, signers ...*Signer) (*Client, error) {
	if len(signers) == 0 && !noSignatures {
		return nil, fmt.Errorf("at least one signer is required unless noSignatures is enabled")
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	if authSigner == nil && !noAuth && len(signers) > 0 {
		authSigner = signers[0]
	}

	return &Client{
		conn:          conn,
		signers:       signers,
		authSigner:    authSigner,
		noSignatures:  noSignatures,
		noAuth:        noAuth,
		jwt:           jwt,
		nextRequestID: 1,
	}, nil
}

// SendMessage writes one frame to the server.
func (c *Client) SendMessage(msg RPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) collectSignatures(data []byte) ([]string, error) {
	if c.noSignatures {
		return []string{}, nil
	}

	signatures := make([]string, len(c.signers))
	for i, signer := range c.signers {
		sig, err := signer.Sign(data)
		if err != nil {
			return nil, fmt.Errorf("failed to sign with signer %d: %w", i, err)
		}
		signatures[i] = hexutil.Encode(sig)
	}
	return signatures, nil
}

func (c *Client) request(method string, params []any, signatures []string) RPCMessage {
	msg := RPCMessage{
		Req: &RPCData{
			RequestID: c.nextRequestID,
			Method:    method,
			Params:    params,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
		Sig: signatures,
	}
	c.nextRequestID++
	return msg
}

// Authenticate runs the challenge-signature flow, or presents a stored
// JWT when one was supplied.
func (c *Client) Authenticate() error {
	if c.noAuth {
		fmt.Println("Authentication skipped (noAuth mode)")
		return nil
	}
	if c.jwt != "" {
		fmt.Println("Authenticating with JWT...")
		req := c.request("auth_verify", []any{map[string]any{"jwt": c.jwt}}, []string{})
		if err := c.SendMessage(req); err != nil {
			return fmt.Errorf("failed to send verify request: %w", err)
		}
		return c.confirmAuth()
	}
	if c.authSigner == nil {
		return fmt.Errorf("no authentication signer provided")
	}

	fmt.Println("Starting authentication...")
	authReq := c.request("auth_request", []any{map[string]any{
		"identity": strings.ToLower(c.authSigner.Address()),
		"scope":    "console",
	}}, []string{})
	if err := c.SendMessage(authReq); err != nil {
		return fmt.Errorf("failed to send auth request: %w", err)
	}

	fmt.Println("Waiting for challenge...")
	challenge, err := c.awaitChallenge()
	if err != nil {
		return err
	}
	if challenge == "" {
		fmt.Println("No auth challenge received; skipping auth flow.")
		return nil
	}
	fmt.Printf("Found challenge: %s\n", challenge)

	sigBytes, err := c.authSigner.SignDigest(crypto.Keccak256([]byte(challenge)))
	if err != nil {
		return fmt.Errorf("failed to sign challenge: %w", err)
	}

	verifyReq := c.request("auth_verify",
		[]any{map[string]any{"challenge": challenge}},
		[]string{hexutil.Encode(sigBytes)})
	if err := c.SendMessage(verifyReq); err != nil {
		return fmt.Errorf("failed to send verify request: %w", err)
	}
	return c.confirmAuth()
}

// awaitAuthFrame reads frames until one matching wantMethod arrives,
// returning its first params object. Server "error" responses abort.
func (c *Client) awaitAuthFrame(wantMethod string, deadline time.Time) (map[string]any, error) {
	defer c.conn.SetReadDeadline(time.Time{})

	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, fmt.Errorf("timed out waiting for %s", wantMethod)
			}
			return nil, fmt.Errorf("failed to read %s response: %w", wantMethod, err)
		}

		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, fmt.Errorf("failed to parse %s response: %w", wantMethod, err)
		}

		res, ok := frame["res"].([]any)
		if !ok || len(res) < 3 {
			continue
		}
		method, _ := res[1].(string)
		if method == "error" {
			return nil, fmt.Errorf("server rejected request: %v", res[2])
		}
		if method != wantMethod {
			fmt.Printf("Skipping non-auth message: %s\n", method)
			continue
		}

		params, ok := res[2].([]any)
		if !ok || len(params) < 1 {
			continue
		}
		if obj, ok := params[0].(map[string]any); ok {
			return obj, nil
		}
	}
	return nil, nil
}

func (c *Client) awaitChallenge() (string, error) {
	obj, err := c.awaitAuthFrame("auth_challenge", time.Now().Add(5*time.Second))
	if err != nil || obj == nil {
		return "", err
	}
	challenge, _ := obj["challenge_message"].(string)
	return challenge, nil
}

func (c *Client) confirmAuth() error {
	fmt.Println("Waiting for verification response...")
	obj, err := c.awaitAuthFrame("auth_verify", time.Now().Add(5*time.Second))
	if err != nil {
		return err
	}
	if obj == nil {
		fmt.Println("No verification response received; proceeding anyway.")
		return nil
	}

	if token, ok := obj["jwt_token"].(string); ok && token != "" {
		c.jwt = token
		fmt.Println("JWT token received!")
		fmt.Printf("  %s\n", token)
	}
	if success, _ := obj["success"].(bool); !success {
		return fmt.Errorf("authentication failed")
	}

	fmt.Println("Authentication successful!")
	return nil
}

// Close closes the websocket connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func main() {
	var (
		methodFlag  = flag.String("method", "", "RPC method name (e.g., verify_signature, detect_scheme, register_key)")
		idFlag      = flag.Uint64("id", 1, "Request ID")
		paramsFlag  = flag.String("params", "[]", "JSON array of parameters")
		sendFlag    = flag.Bool("send", false, "Send the message to the server")
		serverFlag  = flag.String("server", "ws://localhost:8000/ws", "WebSocket server URL (or set SERVER env)")
		genKeyFlag  = flag.String("genkey", "", "Generate a new key and exit. Use a signer number (e.g., '1', '2').")
		signersFlag = flag.String("signers", "", "Comma-separated signer numbers (e.g., '1,2,3'). If empty, all found signers are used.")
		authFlag    = flag.String("auth", "", "Signer number to authenticate with (e.g., '1'). Defaults to first signer if omitted.")
		jwtFlag     = flag.String("jwt", "", "Authenticate with a previously issued JWT instead of a challenge signature")
		noSignFlag  = flag.Bool("nosign", false, "Send request without signatures")
		noAuthFlag  = flag.Bool("noauth", false, "Skip authentication flow")
	)
	flag.Parse()

	if serverEnv := os.Getenv("SERVER"); serverEnv != "" {
		*serverFlag = serverEnv
	}

	workDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Error getting working directory: %v", err)
	}

	if *genKeyFlag != "" {
		generateKey(*genKeyFlag, workDir)
		return
	}

	if *methodFlag == "" {
		fmt.Println("Error: method is required")
		flag.Usage()
		os.Exit(1)
	}

	var params []any
	if err := json.Unmarshal([]byte(*paramsFlag), &params); err != nil {
		log.Fatalf("Error parsing params JSON: %v", err)
	}

	found := discoverSigners(workDir)
	if len(found.byNumber) == 0 {
		log.Fatalf("No signers found. Generate at least one key with --genkey.")
	}

	signers := found.pick(*signersFlag)
	authSigner := resolveAuthSigner(found, signers, *authFlag, *sendFlag)

	message, signatures := buildRequest(*methodFlag, *idFlag, params, signers, *noSignFlag)
	describeRequest(message, *sendFlag, params, signatures, signers, authSigner, *noSignFlag, *noAuthFlag, *serverFlag)

	if !*sendFlag {
		return
	}

	client, err := NewClient(*serverFlag, authSigner, *noSignFlag, *noAuthFlag, *jwtFlag, signers...)
	if err != nil {
		log.Fatalf("Error creating client: %v", err)
	}
	defer client.Close()

	if err := client.Authenticate(); err != nil {
		log.Fatalf("Authentication failed: %v", err)
	}
	if err := client.SendMessage(message); err != nil {
		log.Fatalf("Error sending message: %v", err)
	}

	printResponses(client)
}

// generateKey mints a numbered signer key file and prints its identity.
func generateKey(arg, dir string) {
	num, err := strconv.Atoi(arg)
	if err != nil {
		log.Fatalf("Invalid genkey value. Use a signer number (e.g., '1'): %v", err)
	}
	if num < 1 {
		log.Fatalf("Signer number must be at least 1")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("Error generating private key: %v", err)
	}

	keyPath := filepath.Join(dir, fmt.Sprintf(keyFilePattern, num))
	if err := savePrivateKey(key, keyPath); err != nil {
		log.Fatalf("Error saving private key: %v", err)
	}

	signer, err := NewSigner(hexutil.Encode(crypto.FromECDSA(key)))
	if err != nil {
		log.Fatalf("Error creating signer: %v", err)
	}

	fmt.Printf("Generated signer #%d key at: %s\n", num, keyPath)
	fmt.Printf("Signer identity: %s\n", signer.Address())

	keyHex, err := os.ReadFile(keyPath)
	if err != nil {
		log.Fatalf("Error reading key file: %v", err)
	}
	fmt.Printf("Private Key (add 0x prefix for wallet import): %s\n", string(keyHex))
}

func resolveAuthSigner(found *signerSet, signers []*Signer, authFlag string, announcing bool) *Signer {
	if authFlag != "" {
		num, err := strconv.Atoi(authFlag)
		if err != nil {
			log.Fatalf("Error parsing auth signer number '%s': %v", authFlag, err)
		}
		signer, ok := found.byNumber[num]
		if !ok {
			log.Fatalf("Auth signer #%d not found", num)
		}
		fmt.Printf("Using signer #%d for authentication: %s\n", num, signer.Address())
		return signer
	}

	if len(signers) == 0 {
		return nil
	}
	authSigner := signers[0]
	if announcing {
		fmt.Printf("Using first signer for authentication: %s\n", authSigner.Address())
	}
	return authSigner
}

// buildRequest assembles the request frame and signs its array form.
func buildRequest(method string, id uint64, params []any, signers []*Signer, noSign bool) (RPCMessage, []string) {
	data := RPCData{
		RequestID: id,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}

	var signatures []string
	if !noSign {
		payload, err := json.Marshal(data)
		if err != nil {
			log.Fatalf("Error marshaling RPC data for signing: %v", err)
		}
		signatures, err = (&Client{signers: signers}).collectSignatures(payload)
		if err != nil {
			log.Fatalf("Error signing data: %v", err)
		}
	}

	return RPCMessage{Req: &data, Sig: signatures}, signatures
}

// describeRequest prints the payload and, when not sending, a dry-run
// summary of what --send would do.
func describeRequest(
	message RPCMessage,
	sending bool,
	params []any,
	signatures []string,
	signers []*Signer,
	authSigner *Signer,
	noSign, noAuth bool,
	server string,
) {
	fmt.Println("\nPayload:")
	output, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling final message: %v", err)
	}
	fmt.Println(string(output))

	if sending {
		return
	}

	fmt.Println("\nDescription:")
	if len(params) > 0 {
		paramsJSON, _ := json.MarshalIndent(params, "", "  ")
		fmt.Println("\nParameters:")
		fmt.Println(string(paramsJSON))
	} else {
		fmt.Println("\nParameters: []")
	}

	switch {
	case noSign:
		fmt.Println("\nSignatures: No signatures will be included (--nosign flag)")
	case len(signatures) == 0:
		fmt.Println("\nSignatures: Empty signature array")
	default:
		fmt.Printf("\nSignatures: Message will be signed by %d signers\n", len(signatures))
		for i, s := range signers {
			fmt.Printf("  - Signer #%d: %s\n", i+1, s.Address())
		}
	}

	switch {
	case noAuth:
		fmt.Println("\nAuthentication: None (--noauth flag)")
	case authSigner != nil:
		fmt.Printf("\nAuthentication: Using %s for authentication\n", authSigner.Address())
	case noSign:
		fmt.Println("\nAuthentication: None (--nosign flag)")
	}

	fmt.Printf("\nTarget server: %s\n", server)
	fmt.Println("\nTo execute this plan, run with the --send flag")
	fmt.Println()
}

// printResponses streams server frames to stdout until the connection
// goes quiet or closes.
func printResponses(client *Client) {
	fmt.Println("\nServer responses:")
	count := 0

	for {
		client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || websocket.IsUnexpectedCloseError(err) {
				fmt.Println("Connection closed by server.")
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if count > 0 {
					fmt.Println("No more messages received.")
				} else {
					fmt.Println("No response received within timeout period.")
				}
				return
			}
			log.Fatalf("Error reading response: %v", err)
		}

		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Fatalf("Error parsing response: %v", err)
		}
		pretty, err := json.MarshalIndent(frame, "", "  ")
		if err != nil {
			log.Fatalf("Error marshaling response: %v", err)
		}

		count++
		fmt.Printf("\nResponse #%d:\n", count)
		fmt.Println(string(pretty))
	}
}
