package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/nfl0/tinychain/business/web/errs"
)

var client = http.Client{Timeout: 10 * time.Second}

// get calls the node and decodes the response into dataRecv.
func get(path string, dataRecv any) error {
	return send(http.MethodGet, path, nil, dataRecv)
}

// post sends dataSend to the node and decodes the response into dataRecv.
func post(path string, dataSend any, dataRecv any) error {
	return send(http.MethodPost, path, dataSend, dataRecv)
}

func send(method string, path string, dataSend any, dataRecv any) error {
	var body io.Reader
	if dataSend != nil {
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, nodeURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er errs.Response
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return fmt.Errorf("node responded %s", resp.Status)
		}
		if len(er.Fields) > 0 {
			return fmt.Errorf("node responded %s: %s: %v", resp.Status, er.Error, er.Fields)
		}
		return fmt.Errorf("node responded %s: %s", resp.Status, er.Error)
	}

	return json.NewDecoder(resp.Body).Decode(dataRecv)
}

// show writes the value as indented JSON.
func show(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
