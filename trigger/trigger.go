//Package trigger combines several methods to kick off some victim program
//behaviour under a common interface and allows to uniformly request a trigger
//via a URI. Triggers are handed to the stepper, which executes them right
//before waiting for the first event of a run.
package trigger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/ssh"
)

//Triggerer abstracts various ways to trigger some victim code behaviour
type Triggerer interface {
	//Execute returns the result of the operation, if there is any, or an error.
	//If the underlying implementation makes an HTTP GET request the result
	//could e.g. be the HTTP body.
	Execute() ([]byte, error)
}

//FromURI resolves the uri to a Triggerer. Returns an error if no Triggerer is
//known for the given uri scheme.
func FromURI(uri string) (Triggerer, error) {
	parsedURI, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI : %v", err)
	}
	switch parsedURI.Scheme {
	case "http", "https":
		return NewHTTPTrigger(uri), nil
	case "ssh":
		return NewSSHTrigger(parsedURI.User.Username(), parsedURI.Host), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %v", parsedURI.Scheme)
	}
}

//HTTPTrigger triggers victim behaviour with a GET request and returns the body
type HTTPTrigger struct {
	url string
}

func NewHTTPTrigger(url string) *HTTPTrigger {
	return &HTTPTrigger{url: url}
}

func (h *HTTPTrigger) Execute() ([]byte, error) {
	resp, err := http.Get(h.url)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed : %v", err)
	}
	//drain http body to wait until the server is finished
	body := &bytes.Buffer{}
	if _, err := io.Copy(body, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to drain http response : %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		return nil, fmt.Errorf("failed to close http response : %v", err)
	}
	return body.Bytes(), nil
}

//SSHTrigger triggers victim behaviour by initiating an SSH handshake against
//the victim's sshd, forcing it to compute a host key signature. We do not need
//valid credentials for that: an authentication failure after the key exchange
//still means the signing code we want to observe has run.
type SSHTrigger struct {
	config            *ssh.ClientConfig
	addr              string
	observedPublicKey []byte
}

func NewSSHTrigger(user, addr string) *SSHTrigger {
	trigger := &SSHTrigger{addr: addr}
	trigger.config = &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password("i will not pass"),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if key.Type() != ssh.KeyAlgoED25519 {
				return fmt.Errorf("SSH server did not present an ed25519 host key")
			}
			trigger.observedPublicKey = key.Marshal()
			return nil
		},
		HostKeyAlgorithms: []string{ssh.KeyAlgoED25519},
	}
	return trigger
}

//Execute runs the handshake. The returned bytes are the host public key
//observed during the key exchange, in SSH wire format.
func (s *SSHTrigger) Execute() ([]byte, error) {
	client, err := ssh.Dial("tcp", s.addr, s.config)
	if err != nil {
		//the handshake signature has been produced before authentication, so a
		//failed login is still a successful trigger
		if strings.Contains(err.Error(), "unable to authenticate") {
			return s.observedPublicKey, nil
		}
		return nil, fmt.Errorf("failed to dial : %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("SSHTrigger failed to close client : %v", err)
		}
	}()

	return s.observedPublicKey, nil
}
