// Command tests serves a fake catalog and image host on :8081 for trying
// marquee locally. Point catalog.baseUrl at http://localhost:8081/3 and
// catalog.imageBaseUrl at http://localhost:8081/t/p.
package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var sizes = map[string]int{"w92": 92, "w185": 185, "w500": 500, "original": 2000}

func poster(width int, seed int) []byte {
	height := width * 3 / 2
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(seed * 40), G: uint8(x * 255 / width), B: uint8(y * 255 / height), A: 255})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})
	return buf.Bytes()
}

func list(w http.ResponseWriter, offset int) {
	var results []string
	for i := 1; i <= 5; i++ {
		id := offset + i
		results = append(results, fmt.Sprintf(`{"id":%d,"title":"Movie %d","poster_path":"/poster-%d.jpg","release_date":"2013-0%d-01","vote_average":7.%d}`, id, id, id, i, i))
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"page":1,"total_pages":1,"total_results":5,"results":[%s]}`, strings.Join(results, ","))
}

func main() {
	http.HandleFunc("/3/movie/now_playing", func(w http.ResponseWriter, r *http.Request) { list(w, 0) })
	http.HandleFunc("/3/movie/upcoming", func(w http.ResponseWriter, r *http.Request) { list(w, 100) })
	http.HandleFunc("/3/movie/popular", func(w http.ResponseWriter, r *http.Request) { list(w, 200) })

	http.HandleFunc("/t/p/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/t/p/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		width, ok := sizes[parts[0]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		seed, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(parts[1], "poster-"), ".jpg"))
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(poster(width, seed))
	})

	http.HandleFunc("/t/p/slow/", func(w http.ResponseWriter, r *http.Request) {
		delay := 5 * time.Second
		time.Sleep(delay)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(poster(185, 1))
	})

	fmt.Println("Test catalog running on :8081")
	http.ListenAndServe(":8081", nil)
}
