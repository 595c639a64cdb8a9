package fetchx_test

import (
	"fmt"
	"net/url"

	"dqx0.com/go/fetch/fetchx"
)

// ExampleHeader shows ordered, case-insensitive header operations.
func ExampleHeader() {
	var h fetchx.Header
	h.Add("X-Foo", "a")
	h.Add("X-Foo", "b")
	h.Set("Content-Type", "text/plain")
	fmt.Println(h.Get("x-foo"))
	fmt.Println(len(h.Values("X-Foo")))
	fmt.Println(h.Keys())
	// Output:
	// a
	// 2
	// [X-Foo Content-Type]
}

// ExampleCookieJar stores a cookie and renders it for a matching URL.
func ExampleCookieJar() {
	jar := fetchx.NewCookieJar()
	u, _ := url.Parse("http://example.org/login")
	jar.SetFromResponse(u, []string{"sid=abc; Path=/"})
	for _, c := range jar.Cookies(u) {
		fmt.Printf("%s=%s\n", c.Name, c.Value)
	}
	// Output:
	// sid=abc
}

// ExampleNewSession builds a session with a default header and a
// request throttle.
func ExampleNewSession() {
	s, err := fetchx.NewSession(fetchx.SessionConfig{
		DefaultHeaders: map[string]string{"Accept": "application/json"},
		ThrottleRPS:    50,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer s.Close()
	fmt.Println(s.Jar() != nil)
	// Output:
	// true
}
