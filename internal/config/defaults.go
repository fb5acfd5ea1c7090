package config

// DefaultServices is the chatbot stack used when no configuration file is
// given: API server, static frontend, VNC desktop, headless browser and the
// websockify bridge in front of VNC.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{
			Name:       "api",
			Command:    "uvicorn chatbot:app --host 0.0.0.0 --port 8000",
			Port:       8000,
			HealthPath: "/",
			Tier:       0,
			Match:      "chatbot:app",
		},
		{
			Name:       "frontend",
			Command:    "python3 -m http.server 5173 --directory frontend",
			Port:       5173,
			HealthPath: "/",
			Tier:       1,
			Match:      "http.server 5173",
		},
		{
			Name:    "vnc",
			Command: "x11vnc -display :1 -rfbport 5900 -forever -shared",
			Port:    5900,
			Tier:    2,
			Match:   "x11vnc -display :1",
		},
		{
			Name:       "chrome",
			Command:    "google-chrome --headless --remote-debugging-port=9222 --no-sandbox --disable-gpu",
			Port:       9222,
			HealthPath: "/json",
			Tier:       2,
			Match:      "remote-debugging-port=9222",
		},
		{
			Name:       "websockify",
			Command:    "websockify 8080 localhost:5900",
			Port:       8080,
			HealthPath: "/",
			Tier:       3,
			Match:      "websockify 8080",
		},
	}
}
