// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package auth

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"github.com/manta-io/muskie/pkg/chain"
	"github.com/manta-io/muskie/pkg/mahi"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/sealer"
)

var (
	testTokenCfg = sealer.Config{
		Salt:   "1122334455667788",
		Key:    "00112233445566778899aabbccddeeff",
		IV:     "ffeeddccbbaa99887766554433221100",
		MaxAge: time.Hour,
	}
	testAuthTokenCfg = sealer.Config{
		Salt:   "8877665544332211",
		Key:    "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		IV:     "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		MaxAge: time.Hour,
	}
)

type fakeResolver struct {
	accounts  map[string]*mahi.Account // by login
	users     map[string]*mahi.User    // by account login + "/" + user login
	roles     map[string]mahi.Role     // by uuid
	roleNames map[string]string        // by name
}

func (f *fakeResolver) AccountByLogin(ctx context.Context, login string) (*mahi.Account, error) {
	if account, ok := f.accounts[login]; ok {
		return account, nil
	}
	return nil, merr.AccountDoesNotExist(login)
}

func (f *fakeResolver) AccountByUUID(ctx context.Context, uuid string) (*mahi.Account, error) {
	for _, account := range f.accounts {
		if account.UUID == uuid {
			return account, nil
		}
	}
	return nil, merr.AccountDoesNotExist(uuid)
}

func (f *fakeResolver) UserByLogin(ctx context.Context, accountLogin, userLogin string) (*mahi.User, error) {
	if user, ok := f.users[accountLogin+"/"+userLogin]; ok {
		return user, nil
	}
	return nil, merr.UserDoesNotExist(accountLogin, userLogin)
}

func (f *fakeResolver) UserByUUID(ctx context.Context, uuid string) (*mahi.User, error) {
	for _, user := range f.users {
		if user.UUID == uuid {
			return user, nil
		}
	}
	return nil, merr.UserDoesNotExist("", uuid)
}

func (f *fakeResolver) RolesByUUID(ctx context.Context, accountUUID string, uuids []string) (map[string]mahi.Role, error) {
	out := map[string]mahi.Role{}
	for _, uuid := range uuids {
		if role, ok := f.roles[uuid]; ok {
			out[uuid] = role
		}
	}
	return out, nil
}

func (f *fakeResolver) RoleNameToUUID(ctx context.Context, accountUUID, name string) (string, error) {
	if uuid, ok := f.roleNames[name]; ok {
		return uuid, nil
	}
	return "", Error.New("unknown role %q", name)
}

type testKey struct {
	material    string
	fingerprint string
	private     *rsa.PrivateKey
}

func newTestKey(t *testing.T) testKey {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	public, err := ssh.NewPublicKey(&private.PublicKey)
	require.NoError(t, err)
	return testKey{
		material:    string(ssh.MarshalAuthorizedKey(public)),
		fingerprint: ssh.FingerprintLegacyMD5(public),
		private:     private,
	}
}

func (k testKey) sign(t *testing.T, signingString []byte) string {
	digest := sha256.Sum256(signingString)
	raw, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func newResolver(key testKey) *fakeResolver {
	return &fakeResolver{
		accounts: map[string]*mahi.Account{
			"poseidon": {
				UUID:                    "acct-1",
				Login:                   "poseidon",
				ApprovedForProvisioning: true,
				Keys:                    map[string]string{key.fingerprint: key.material},
			},
		},
		users:     map[string]*mahi.User{},
		roles:     map[string]mahi.Role{},
		roleNames: map[string]string{},
	}
}

func newAuthenticator(t *testing.T, resolver mahi.Resolver) *Authenticator {
	return New(zaptest.NewLogger(t), resolver, testTokenCfg, testAuthTokenCfg)
}

func newRequest(t *testing.T, method, target string) *chain.RequestContext {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(method, "http://manta.example.com"+target, nil)
	r.RequestURI = target
	return chain.NewRequestContext(rec, r, "req-1", zaptest.NewLogger(t))
}

func runPipeline(ctx context.Context, a *Authenticator, req *chain.RequestContext) error {
	for _, handler := range a.Handlers() {
		halt, err := handler(ctx, req)
		if err != nil {
			return err
		}
		if halt {
			return nil
		}
	}
	return nil
}

func signRequest(t *testing.T, req *chain.RequestContext, key testKey, keyID string) {
	date := time.Now().UTC().Format(time.RFC1123)
	req.Request.Header.Set("date", date)
	signature := key.sign(t, []byte("date: "+date))
	req.Request.Header.Set("Authorization",
		`Signature keyId="`+keyID+`",algorithm="rsa-sha256",signature="`+signature+`"`)
}

func TestSignatureAuth(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, "/poseidon/keys/"+key.fingerprint)

	require.NoError(t, runPipeline(context.Background(), a, req))
	require.NotNil(t, req.Auth.Caller)
	require.Equal(t, "poseidon", req.Auth.Caller.Account.Login)
	require.Equal(t, "poseidon", req.Auth.Owner.Login)
	require.False(t, req.Auth.Caller.Anonymous)
}

func TestSignatureTampered(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, "/poseidon/keys/"+key.fingerprint)
	req.Request.Header.Set("date", time.Now().UTC().Add(time.Minute).Format(time.RFC1123))

	err := runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "InvalidSignature"), "%v", err)
}

func TestUnknownScheme(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	req.Request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	err := runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "AuthorizationSchemeNotAllowed"), "%v", err)
}

func TestUnknownKey(t *testing.T) {
	key := newTestKey(t)
	stranger := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, stranger, "/poseidon/keys/"+stranger.fingerprint)

	err := runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "KeyDoesNotExist"), "%v", err)
}

func TestPresignedAuth(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	expires := time.Now().Add(time.Hour).Unix()
	query := url.Values{}
	query.Set("algorithm", "rsa-sha256")
	query.Set("expires", "0")
	query.Set("keyId", "/poseidon/keys/"+key.fingerprint)

	// sign the canonical string over the final query, then attach the signature
	base := "/poseidon/stor/obj"
	query.Set("expires", itoa(expires))
	signing := "GET\nmanta.example.com\n" + base + "\n" + canonical(query)
	query.Set("signature", key.sign(t, []byte(signing)))

	req := newRequest(t, "GET", base+"?"+query.Encode())
	require.NoError(t, runPipeline(context.Background(), a, req))
	require.NotNil(t, req.Auth.Presigned)
	require.Equal(t, "poseidon", req.Auth.Caller.Account.Login)
}

func TestPresignedExpired(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	query := url.Values{}
	query.Set("algorithm", "rsa-sha256")
	query.Set("expires", itoa(time.Now().Add(-time.Hour).Unix()))
	query.Set("keyId", "/poseidon/keys/"+key.fingerprint)
	query.Set("signature", "aGVsbG8=")

	req := newRequest(t, "GET", "/poseidon/stor/obj?"+query.Encode())
	err := runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "InvalidQueryStringAuthentication"), "%v", err)
}

func TestTokenAuth(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	opaque, err := sealer.Seal(&sealer.Token{
		IssuedAt:    time.Now(),
		AccountUUID: "acct-1",
		Conditions:  map[string]interface{}{"activeRoles": []string{"r-7"}},
	}, testTokenCfg)
	require.NoError(t, err)

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	req.Request.Header.Set("Authorization", "Token "+opaque)

	require.NoError(t, runPipeline(context.Background(), a, req))
	require.NotNil(t, req.Auth.Token)
	require.Equal(t, "poseidon", req.Auth.Caller.Account.Login)
	// token roles are honored verbatim
	require.Equal(t, []string{"r-7"}, req.Auth.ActiveRoles)
}

// sealLegacy seals a raw v1 payload the way the original token service did:
// salted, zlib-compressed, AES-CBC encrypted, base64url.
func sealLegacy(t *testing.T, cfg sealer.Config, raw []byte) string {
	salt, err := hex.DecodeString(cfg.Salt)
	require.NoError(t, err)
	key, err := hex.DecodeString(cfg.Key)
	require.NoError(t, err)
	iv, err := hex.DecodeString(cfg.IV)
	require.NoError(t, err)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	plain := append(append([]byte{}, salt...), compressed.Bytes()...)
	padding := aes.BlockSize - len(plain)%aes.BlockSize
	for i := 0; i < padding; i++ {
		plain = append(plain, byte(padding))
	}
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	sealed := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed, plain)
	return base64.RawURLEncoding.EncodeToString(sealed)
}

func TestLegacyTokenOperatorNotTrusted(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	// a v1 token claiming the operators group, presented for an account
	// that is not an operator today
	raw := []byte(`{"u":"acct-1","l":"poseidon","g":["operators"],"t":` +
		itoa(time.Now().UnixMilli()) + `}`)
	opaque := sealLegacy(t, testTokenCfg, raw)

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	req.Request.Header.Set("Authorization", "Token "+opaque)

	require.NoError(t, runPipeline(context.Background(), a, req))
	require.True(t, req.Auth.Token.Operator)
	// operator standing follows the live account record
	require.False(t, req.Auth.Caller.IsOperator())
}

func TestAuthTokenHeader(t *testing.T) {
	key := newTestKey(t)
	resolver := newResolver(key)
	resolver.accounts["marlin"] = &mahi.Account{
		UUID: "acct-2", Login: "marlin", ApprovedForProvisioning: true,
	}
	a := newAuthenticator(t, resolver)

	keyID := "/poseidon/keys/" + key.fingerprint
	opaque, err := sealer.Seal(&sealer.Token{
		IssuedAt:    time.Now(),
		AccountUUID: "acct-2",
		Conditions:  map[string]interface{}{"devkeyId": keyID},
	}, testAuthTokenCfg)
	require.NoError(t, err)

	req := newRequest(t, "GET", "/marlin/stor/obj")
	signRequest(t, req, key, keyID)
	req.Request.Header.Set("x-auth-token", opaque)

	require.NoError(t, runPipeline(context.Background(), a, req))
	// the caller was remapped to the token's principal
	require.Equal(t, "marlin", req.Auth.Caller.Account.Login)
}

func TestAuthTokenKeyMismatch(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	opaque, err := sealer.Seal(&sealer.Token{
		IssuedAt:    time.Now(),
		AccountUUID: "acct-1",
		Conditions:  map[string]interface{}{"devkeyId": "/someone/keys/aa:bb"},
	}, testAuthTokenCfg)
	require.NoError(t, err)

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, "/poseidon/keys/"+key.fingerprint)
	req.Request.Header.Set("x-auth-token", opaque)

	err = runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "InvalidHttpAuthenticationToken"), "%v", err)
}

func TestPublicPathAnonymous(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	req := newRequest(t, "GET", "/poseidon/public/index.html")
	require.NoError(t, runPipeline(context.Background(), a, req))
	require.Equal(t, "poseidon", req.Auth.Caller.Account.Login)
	require.False(t, req.Auth.Caller.Anonymous)
}

func TestAnonymousFallback(t *testing.T) {
	key := newTestKey(t)
	resolver := newResolver(key)
	a := newAuthenticator(t, resolver)

	// no anonymous user on the owner: rejected
	req := newRequest(t, "GET", "/poseidon/stor/obj")
	err := runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "AuthorizationRequired"), "%v", err)

	// with one, the anonymous user becomes the caller
	resolver.users["poseidon/anonymous"] = &mahi.User{
		UUID: "u-anon", AccountUUID: "acct-1", Login: "anonymous",
	}
	req = newRequest(t, "GET", "/poseidon/stor/obj")
	require.NoError(t, runPipeline(context.Background(), a, req))
	require.True(t, req.Auth.Caller.Anonymous)
	require.Equal(t, "u-anon", req.Auth.Caller.User.UUID)
}

func TestBlockedAccounts(t *testing.T) {
	key := newTestKey(t)
	resolver := newResolver(key)
	resolver.accounts["loki"] = &mahi.Account{
		UUID: "acct-9", Login: "loki",
		Keys: map[string]string{key.fingerprint: key.material},
	}
	a := newAuthenticator(t, resolver)

	// blocked caller
	req := newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, "/loki/keys/"+key.fingerprint)
	err := runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "AccountBlocked"), "%v", err)

	// blocked owner, approved caller
	req = newRequest(t, "GET", "/loki/stor/obj")
	signRequest(t, req, key, "/poseidon/keys/"+key.fingerprint)
	err = runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "AccountBlocked"), "%v", err)
}

func subuserResolver(key testKey) *fakeResolver {
	resolver := newResolver(key)
	resolver.accounts["poseidon"].Keys = nil
	resolver.users["poseidon/muskie_test"] = &mahi.User{
		UUID:         "u-1",
		AccountUUID:  "acct-1",
		Login:        "muskie_test",
		Keys:         map[string]string{key.fingerprint: key.material},
		Roles:        []string{"r-1", "r-2"},
		DefaultRoles: []string{"r-1"},
	}
	resolver.roles["r-1"] = mahi.Role{UUID: "r-1", Name: "reader"}
	resolver.roles["r-2"] = mahi.Role{UUID: "r-2", Name: "writer"}
	resolver.roleNames["reader"] = "r-1"
	resolver.roleNames["writer"] = "r-2"
	resolver.roleNames["admin"] = "r-99"
	return resolver
}

func TestActiveRoles(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, subuserResolver(key))
	keyID := "/poseidon/muskie_test/keys/" + key.fingerprint

	// absent input falls back to default roles
	req := newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, keyID)
	require.NoError(t, runPipeline(context.Background(), a, req))
	require.Equal(t, []string{"r-1"}, req.Auth.ActiveRoles)

	// header names resolve to uuids
	req = newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, keyID)
	req.Request.Header.Set("role", "writer")
	require.NoError(t, runPipeline(context.Background(), a, req))
	require.Equal(t, []string{"r-2"}, req.Auth.ActiveRoles)

	// the query parameter wins over the header
	req = newRequest(t, "GET", "/poseidon/stor/obj?role=reader")
	signRequest(t, req, key, keyID)
	req.Request.Header.Set("role", "writer")
	require.NoError(t, runPipeline(context.Background(), a, req))
	require.Equal(t, []string{"r-1"}, req.Auth.ActiveRoles)

	// * expands to everything granted
	req = newRequest(t, "GET", "/poseidon/stor/obj?role=%2A")
	signRequest(t, req, key, keyID)
	require.NoError(t, runPipeline(context.Background(), a, req))
	require.Equal(t, []string{"r-1", "r-2"}, req.Auth.ActiveRoles)

	// a role the caller does not hold is invalid even though it resolves
	req = newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, keyID)
	req.Request.Header.Set("role", "admin")
	err := runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "InvalidRole"), "%v", err)

	// unknown names are invalid too
	req = newRequest(t, "GET", "/poseidon/stor/obj")
	signRequest(t, req, key, keyID)
	req.Request.Header.Set("role", "nonesuch")
	err = runPipeline(context.Background(), a, req)
	require.True(t, merr.IsCode(err, "InvalidRole"), "%v", err)
}

func TestGatherConditions(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	req := newRequest(t, "PUT", "/poseidon/stor/obj")
	signRequest(t, req, key, "/poseidon/keys/"+key.fingerprint)
	req.Request.Header.Set("x-forwarded-for", "10.1.2.3, 172.16.0.1")
	req.Request.Header.Set("user-agent", "curl/8")

	require.NoError(t, runPipeline(context.Background(), a, req))

	conditions := req.AuthContext.Conditions
	require.Equal(t, "PUT", conditions["method"])
	require.Equal(t, "poseidon", conditions["owner"])
	require.Equal(t, false, conditions["fromjob"])
	require.Equal(t, "10.1.2.3", conditions["sourceip"])
	require.Equal(t, "curl/8", conditions["user-agent"])

	started := req.StartedAt.UTC()
	require.Equal(t, started, conditions["date"])
	require.Equal(t, started.Format("15:04:05"), conditions["time"])
	require.Equal(t, req.Auth.Caller, req.AuthContext.Principal)
	require.Equal(t, req.Auth.Owner, req.AuthContext.Resource.Owner)
}

func TestTokenConditionsOverwrite(t *testing.T) {
	key := newTestKey(t)
	a := newAuthenticator(t, newResolver(key))

	opaque, err := sealer.Seal(&sealer.Token{
		IssuedAt:    time.Now(),
		AccountUUID: "acct-1",
		Conditions:  map[string]interface{}{"fromjob": true},
	}, testTokenCfg)
	require.NoError(t, err)

	req := newRequest(t, "GET", "/poseidon/stor/obj")
	req.Request.Header.Set("Authorization", "Token "+opaque)

	require.NoError(t, runPipeline(context.Background(), a, req))
	require.Equal(t, true, req.AuthContext.Conditions["fromjob"])
}

// canonical mirrors the presigned query canonicalization for test inputs,
// which contain no characters where RFC3986 and QueryEscape disagree.
func canonical(query url.Values) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		if key != "signature" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	encoded := make([]string, 0, len(keys))
	for _, key := range keys {
		encoded = append(encoded, url.QueryEscape(key)+"="+url.QueryEscape(query.Get(key)))
	}
	return strings.Join(encoded, "&")
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
