package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"
)

// The simulator exercises the upload path under load: it posts synthetic
// media files at a configurable rate and samples job status afterwards.
func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://api:8080"
	}

	ratePerSec := 1
	if v := os.Getenv("RATE_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerSec = n
		}
	}

	concurrency := 1
	if v := os.Getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	for i := 0; i < concurrency; i++ {
		go uploadLoop(apiURL, ratePerSec/concurrency)
	}

	select {} // block forever
}

func uploadLoop(apiURL string, rps int) {
	interval := time.Second
	if rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		jobID, err := uploadOne(apiURL)
		if err != nil {
			log.Printf("upload failed: %v", err)
			continue
		}
		log.Printf("uploaded, job_id=%s", jobID)
		go sampleStatus(apiURL, jobID)
	}
}

func uploadOne(apiURL string) (string, error) {
	payload := make([]byte, 1024+rand.Intn(4096))
	rand.Read(payload)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", fmt.Sprintf("clip-%d.mp4", rand.Int()))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(payload); err != nil {
		return "", err
	}
	mw.Close()

	resp, err := http.Post(apiURL+"/jobs", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func sampleStatus(apiURL, jobID string) {
	time.Sleep(time.Duration(5+rand.Intn(30)) * time.Second)
	resp, err := http.Get(apiURL + "/jobs/" + jobID)
	if err != nil {
		log.Printf("status check failed for %s: %v", jobID, err)
		return
	}
	defer resp.Body.Close()
	var out struct {
		State string `json:"state"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	log.Printf("job %s state=%s", jobID, out.State)
}
