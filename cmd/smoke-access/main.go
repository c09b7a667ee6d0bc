package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"coursekeep.org/internal/access"
	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/entitlement"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "smoke-"+uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	base := os.Getenv("COURSEKEEP_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	tenantID := os.Getenv("COURSEKEEP_SMOKE_TENANT")
	if tenantID == "" {
		tenantID = "demo-academy"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
	student := "smoke-student-" + uuid.NewString()[:8]
	course := "smoke-course-" + uuid.NewString()[:8]

	token := func(principal string, role auth.Role) string {
		var out struct {
			Token string `json:"token"`
		}
		status, err := c.call(ctx, http.MethodPost, "/v1/auth/token", map[string]any{
			"principal_id": principal,
			"memberships":  []auth.Membership{{TenantID: tenantID, Role: role}},
		}, &out)
		if err != nil || status != http.StatusCreated && status != http.StatusOK {
			log.Fatalf("token for %s: status=%d err=%v (is COURSEKEEP_DEV_TOKENS set?)", principal, status, err)
		}
		return out.Token
	}

	c.token = token("smoke-admin", auth.RoleAdmin)
	tp := "/v1/tenants/" + tenantID
	for _, g := range []entitlement.GrantRequest{
		{PrincipalID: student, Type: entitlement.TypeCourse, CourseID: course},
		{PrincipalID: student, Type: entitlement.TypeDownloadLicense},
	} {
		if status, err := c.call(ctx, http.MethodPost, tp+"/entitlements", g, nil); err != nil || status != http.StatusCreated {
			log.Fatalf("grant %s: status=%d err=%v", g.Type, status, err)
		}
	}

	c.token = token(student, auth.RoleStudent)
	var decision access.Decision
	status, err := c.call(ctx, http.MethodPost, tp+"/access/resolve", access.ContentRef{
		Kind: access.KindLesson, ID: "lesson-1", ParentCourseID: course,
	}, &decision)
	if err != nil || status != http.StatusOK {
		log.Fatalf("resolve: status=%d err=%v", status, err)
	}
	if decision.Level != access.LevelFull {
		log.Fatalf("expected FULL access, got %s %v", decision.Level, decision.Reasons)
	}

	var dl access.DownloadDecision
	status, err = c.call(ctx, http.MethodPost, tp+"/access/download", access.ContentRef{
		Kind: access.KindDownload, ID: "handout.pdf", ParentCourseID: course,
	}, &dl)
	if err != nil || status != http.StatusOK || dl.URL == "" {
		log.Fatalf("download: status=%d err=%v reasons=%v", status, err, dl.Reasons)
	}

	fmt.Printf("✅ access smoke test passed: tenant=%s principal=%s url=%s\n", tenantID, student, dl.URL)
}
