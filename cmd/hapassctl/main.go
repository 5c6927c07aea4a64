// Command hapassctl is the admin CLI for the gateway: it logs in with the
// admin credentials and drives the /admin token API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hapass/internal/security/password"
)

type client struct {
	BaseURL   string
	Username  string
	Password  string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
	loggedIn  bool
}

func (c *client) login() error {
	if c.loggedIn {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"username": c.Username, "password": c.Password})
	status, body, err := c.do("POST", "/admin/login", b)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("login failed: status=%d body=%s", status, string(body))
	}
	c.loggedIn = true
	return nil
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

// call logs in (once) and runs one authenticated request, failing on any
// non-2xx status.
func (c *client) call(method, path string, body []byte) ([]byte, error) {
	if err := c.login(); err != nil {
		return nil, err
	}
	status, respBody, err := c.do(method, path, body)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("%s %s: status=%d body=%s", method, path, status, string(respBody))
	}
	return respBody, nil
}

func (c *client) print(body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	fmt.Println(string(body))
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	var (
		baseURL = envOr("HAPASS_URL", "http://localhost:8080")
		user    = envOr("HAPASS_ADMIN_USER", "admin")
		pass    = envOr("HAPASS_ADMIN_PASSWORD", "")
		out     = envOr("HAPASS_OUT", "text")
	)

	jar, _ := cookiejar.New(nil)
	cl := &client{HTTP: &http.Client{Timeout: 30 * time.Second, Jar: jar}}

	root := &cobra.Command{
		Use:   "hapassctl",
		Short: "Admin CLI for the guest access gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cl.BaseURL, cl.Username, cl.Password, cl.OutFormat = baseURL, user, pass, out
			return nil
		},
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "gateway base URL (env HAPASS_URL)")
	root.PersistentFlags().StringVar(&user, "user", user, "admin username (env HAPASS_ADMIN_USER)")
	root.PersistentFlags().StringVar(&pass, "password", pass, "admin password (env HAPASS_ADMIN_PASSWORD)")
	root.PersistentFlags().StringVar(&out, "out", out, "output format: json|text")

	tokenCmd := &cobra.Command{Use: "token", Short: "Guest token operations"}

	var createLabel, createSlug, createEntities, createAllow string
	var createTTL int64
	var createForever bool
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a guest token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if createLabel == "" || createEntities == "" {
				return fmt.Errorf("--label and --entities are required")
			}
			payload := map[string]any{
				"label":         createLabel,
				"slug":          createSlug,
				"entity_ids":    splitCSV(createEntities),
				"never_expires": createForever,
			}
			if !createForever {
				payload["expires_in_sec"] = createTTL
			}
			if createAllow != "" {
				payload["ip_allowlist"] = splitCSV(createAllow)
			}
			b, _ := json.Marshal(payload)
			body, err := cl.call("POST", "/admin/tokens", b)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}
	createCmd.Flags().StringVar(&createLabel, "label", "", "human label (e.g. \"babysitter\")")
	createCmd.Flags().StringVar(&createSlug, "slug", "", "caller-chosen slug (random when empty)")
	createCmd.Flags().StringVar(&createEntities, "entities", "", "comma-separated entity ids")
	createCmd.Flags().StringVar(&createAllow, "ip-allowlist", "", "comma-separated CIDR ranges")
	createCmd.Flags().Int64Var(&createTTL, "ttl-sec", 86400, "lifetime in seconds")
	createCmd.Flags().BoolVar(&createForever, "never-expires", false, "token never expires")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cl.call("GET", "/admin/tokens", nil)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one token with its entity allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cl.call("GET", "/admin/tokens/"+args[0], nil)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}

	var setEntities string
	setEntitiesCmd := &cobra.Command{
		Use:   "set-entities <id>",
		Short: "Replace a token's entity allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if setEntities == "" {
				return fmt.Errorf("--entities is required")
			}
			b, _ := json.Marshal(map[string]any{"entity_ids": splitCSV(setEntities)})
			body, err := cl.call("PATCH", "/admin/tokens/"+args[0]+"/entities", b)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}
	setEntitiesCmd.Flags().StringVar(&setEntities, "entities", "", "comma-separated entity ids")

	var extendTTL int64
	var extendForever bool
	extendCmd := &cobra.Command{
		Use:   "extend <id>",
		Short: "Set a new expiry (also clears a revocation)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"never_expires": extendForever}
			if !extendForever {
				payload["expires_in_sec"] = extendTTL
			}
			b, _ := json.Marshal(payload)
			body, err := cl.call("PATCH", "/admin/tokens/"+args[0]+"/expiry", b)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}
	extendCmd.Flags().Int64Var(&extendTTL, "ttl-sec", 86400, "new lifetime in seconds from now")
	extendCmd.Flags().BoolVar(&extendForever, "never-expires", false, "token never expires")

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a token (live streams are terminated)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cl.call("DELETE", "/admin/tokens/"+args[0], nil)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Hard-delete a token and detach its audit rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cl.call("DELETE", "/admin/tokens/"+args[0]+"/hard", nil)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}

	tokenCmd.AddCommand(createCmd, listCmd, getCmd, setEntitiesCmd, extendCmd, revokeCmd, deleteCmd)

	entitiesCmd := &cobra.Command{
		Use:   "entities",
		Short: "List controllable upstream entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := cl.call("GET", "/admin/ha/entities", nil)
			if err != nil {
				return err
			}
			cl.print(body)
			return nil
		},
	}

	// hash-password runs locally: it produces the argon2id PHC string for
	// admin.password_hash without sending the plaintext anywhere.
	hashCmd := &cobra.Command{
		Use:   "hash-password <plaintext>",
		Short: "Hash an admin password for the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phc, err := password.Hash(password.Default, args[0])
			if err != nil {
				return err
			}
			fmt.Println(phc)
			return nil
		},
	}

	root.AddCommand(tokenCmd, entitiesCmd, hashCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
